package invoice

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("StatusMachine", func() {
	var (
		machine StatusMachine
		inv     *Invoice
		at      time.Time
		target  Status
		reason  string
		err     error
	)

	BeforeEach(func() {
		machine = StatusMachine{}
		at = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
		inv = &Invoice{
			Number: "2025-0001",
			Status: StatusUnpaid,
			Lines:  []LineItem{mustLine("1", "10.00")},
		}
		target = ""
		reason = ""
	})

	JustBeforeEach(func() {
		err = machine.Apply(inv, target, reason, at)
	})

	When("paying an unpaid invoice", func() {
		BeforeEach(func() {
			target = StatusPaid
		})

		It("should mark it paid", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.Status).To(Equal(StatusPaid))
			Expect(inv.PaidAt).To(HaveValue(Equal(at)))
			Expect(inv.UpdatedAt).To(Equal(at))
		})

		It("should record the change", func() {
			Expect(inv.StatusHistory).To(ConsistOf(StatusChange{From: StatusUnpaid, To: StatusPaid, At: at}))
		})

		When("the invoice has no lines", func() {
			BeforeEach(func() {
				inv.Lines = nil
			})

			It("should refuse", func() {
				Expect(err).To(MatchError(ErrInvalidTransition))
				Expect(err).To(MatchError(ErrEmptyInvoice))
				Expect(inv.Status).To(Equal(StatusUnpaid))
				Expect(inv.StatusHistory).To(BeEmpty())
			})
		})
	})

	When("reversing a payment", func() {
		BeforeEach(func() {
			paidAt := at.Add(-time.Hour)
			inv.Status = StatusPaid
			inv.PaidAt = &paidAt
			target = StatusUnpaid
		})

		When("no reason is given under the default policy", func() {
			It("should refuse", func() {
				Expect(err).To(MatchError(ErrInvalidTransition))
				Expect(err).To(MatchError(ErrReasonRequired))
				Expect(inv.Status).To(Equal(StatusPaid))
				Expect(inv.PaidAt).NotTo(BeNil())
			})
		})

		When("a reason is given", func() {
			BeforeEach(func() {
				reason = "  payment bounced "
			})

			It("should return the invoice to unpaid", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(inv.Status).To(Equal(StatusUnpaid))
				Expect(inv.PaidAt).To(BeNil())
				Expect(inv.StatusHistory).To(HaveLen(1))
				Expect(inv.StatusHistory[0].Reason).To(Equal("payment bounced"))
			})
		})

		When("reversals are allowed without reason", func() {
			BeforeEach(func() {
				machine.Reversal = ReversalAllowed
			})

			It("should return the invoice to unpaid", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(inv.Status).To(Equal(StatusUnpaid))
			})
		})

		When("reversals are denied", func() {
			BeforeEach(func() {
				machine.Reversal = ReversalDenied
				reason = "customer asked"
			})

			It("should refuse even with a reason", func() {
				var te *TransitionError
				Expect(err).To(BeAssignableToTypeOf(te))
				Expect(err).To(MatchError(ErrInvalidTransition))
				Expect(inv.Status).To(Equal(StatusPaid))
			})
		})
	})

	DescribeTable("should reject transitions outside the lifecycle",
		func(from, to Status) {
			inv.Status = from
			Expect(machine.Apply(inv, to, "reason", at)).To(MatchError(ErrInvalidTransition))
			Expect(inv.Status).To(Equal(from))
		},
		Entry("unpaid to unpaid", StatusUnpaid, StatusUnpaid),
		Entry("paid to paid", StatusPaid, StatusPaid),
		Entry("unpaid to overdue", StatusUnpaid, StatusOverdue),
		Entry("paid to overdue", StatusPaid, StatusOverdue),
		Entry("unknown target", StatusUnpaid, Status("cancelled")),
	)

	Describe("Allowed", func() {
		It("should offer paid for an unpaid invoice with lines", func() {
			Expect(machine.Allowed(inv)).To(Equal([]Status{StatusPaid}))
		})

		It("should offer nothing for an empty invoice", func() {
			inv.Lines = nil
			Expect(machine.Allowed(inv)).To(BeEmpty())
		})

		It("should follow the reversal policy for paid invoices", func() {
			inv.Status = StatusPaid
			Expect(machine.Allowed(inv)).To(Equal([]Status{StatusUnpaid}))
			Expect(StatusMachine{Reversal: ReversalDenied}.Allowed(inv)).To(BeEmpty())
		})
	})

	Describe("ParseReversalPolicy", func() {
		It("should read every configured name", func() {
			for name, want := range map[string]ReversalPolicy{
				"":        ReversalWithReason,
				"reason":  ReversalWithReason,
				"Allowed": ReversalAllowed,
				"denied":  ReversalDenied,
			} {
				got, err := ParseReversalPolicy(name)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
			}
		})

		It("should reject unknown names", func() {
			_, err := ParseReversalPolicy("sometimes")
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Invoice", func() {
	var inv *Invoice

	BeforeEach(func() {
		inv = &Invoice{
			Status:  StatusUnpaid,
			DueDate: time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC),
		}
	})

	It("should be overdue only after the due date", func() {
		Expect(inv.DisplayStatus(time.Date(2025, 4, 10, 23, 0, 0, 0, time.UTC))).To(Equal(StatusUnpaid))
		Expect(inv.DisplayStatus(time.Date(2025, 4, 11, 0, 1, 0, 0, time.UTC))).To(Equal(StatusOverdue))
	})

	It("should never show a paid invoice as overdue", func() {
		inv.Status = StatusPaid
		Expect(inv.IsOverdue(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))).To(BeFalse())
	})

	It("should have display names", func() {
		Expect(StatusOverdue.DisplayName()).To(Equal("Overdue"))
		Expect(StatusPaid.Valid()).To(BeTrue())
		Expect(StatusOverdue.Valid()).To(BeFalse())
	})
})

var _ = DescribeTable("daysBetween",
	func(from, to time.Time, want int) {
		Expect(daysBetween(from, to)).To(Equal(want))
	},
	Entry("same day", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC), 0),
	Entry("clock parts are ignored", time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC), time.Date(2025, 3, 15, 0, 1, 0, 0, time.UTC), 14),
	Entry("across a leap day", time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 2),
	Entry("zoned dates count by their own calendar", time.Date(2025, 3, 30, 0, 30, 0, 0, time.FixedZone("CET", 3600)), time.Date(2025, 3, 31, 0, 30, 0, 0, time.FixedZone("CEST", 7200)), 1),
	Entry("backwards", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), -14),
)
