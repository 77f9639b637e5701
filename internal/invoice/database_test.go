package invoice

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/waltings/billipocket-gpt5/internal/money"
)

func testInvoice(id string, number Number) *Invoice {
	lines := []LineItem{mustLine("2", "10.00"), mustLine("1", "5.00")}
	lines[0].ID, lines[0].Position = id+"-l1", 1
	lines[1].ID, lines[1].Position = id+"-l2", 2
	inv := &Invoice{
		ID:              id,
		Number:          number,
		Status:          StatusUnpaid,
		IssueDate:       time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		DueDate:         time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		PaymentTermDays: 14,
		TaxRateID:       "standard",
		TaxRate:         decimal.NewFromInt(24),
		Lines:           lines,
		CreatedAt:       time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	inv.applyTotals(mustCompute(lines, inv.TaxRate))
	return inv
}

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
		ctx    context.Context
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		ctx = context.Background()
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("CreateInvoice", func() {
		var (
			inv *Invoice
			err error
		)

		BeforeEach(func() {
			inv = testInvoice("a", "2025-0001")
		})

		JustBeforeEach(func() {
			err = db.CreateInvoice(ctx, inv)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should read back the same invoice", func() {
				saved, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Number).To(Equal(Number("2025-0001")))
				Expect(saved.IssueDate).To(Equal(inv.IssueDate))
				Expect(saved.TaxRate.Equal(inv.TaxRate)).To(BeTrue())
				Expect(saved.Totals()).To(Equal(inv.Totals()))
				Expect(saved.Lines).To(HaveLen(2))
				Expect(saved.Lines[0].ID).To(Equal("a-l1"))
				Expect(saved.Lines[0].LineTotal.String()).To(Equal("20.00"))
			})

			It("should survive reopening the file", func() {
				Expect(db.Close()).To(Succeed())
				var openErr error
				db, openErr = NewBoltDB(dbPath)
				Expect(openErr).NotTo(HaveOccurred())

				saved, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Total.String()).To(Equal("31.00"))
			})
		})

		When("the number is already taken", func() {
			BeforeEach(func() {
				Expect(db.CreateInvoice(ctx, testInvoice("other", "2025-0001"))).To(Succeed())
			})

			It("should return ErrDuplicateNumber", func() {
				Expect(err).To(MatchError(ErrDuplicateNumber))
			})

			It("should not store the second invoice", func() {
				_, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).To(MatchError(ErrInvoiceNotFound))
			})
		})
	})

	Describe("GetInvoice", func() {
		It("should return ErrInvoiceNotFound for unknown IDs", func() {
			_, err := db.GetInvoice(ctx, "missing")
			Expect(err).To(MatchError(ErrInvoiceNotFound))
		})

		It("should return an empty line slice for an invoice without lines", func() {
			inv := testInvoice("a", "2025-0001")
			inv.Lines = nil
			Expect(db.CreateInvoice(ctx, inv)).To(Succeed())

			saved, err := db.GetInvoice(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Lines).NotTo(BeNil())
			Expect(saved.Lines).To(BeEmpty())
		})
	})

	Describe("ListInvoices", func() {
		BeforeEach(func() {
			paid := testInvoice("b", "2025-0002")
			paid.Status = StatusPaid
			for _, inv := range []*Invoice{
				testInvoice("a", "2025-0001"),
				paid,
				testInvoice("c", "2024-0010"),
				testInvoice("d", "2025-10000"),
			} {
				Expect(db.CreateInvoice(ctx, inv)).To(Succeed())
			}
		})

		It("should order by year then ordinal, newest first", func() {
			invoices, err := db.ListInvoices(ctx, ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			var numbers []Number
			for _, inv := range invoices {
				numbers = append(numbers, inv.Number)
			}
			Expect(numbers).To(Equal([]Number{"2025-10000", "2025-0002", "2025-0001", "2024-0010"}))
		})

		It("should not include lines", func() {
			invoices, err := db.ListInvoices(ctx, ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(invoices[0].Lines).To(BeNil())
		})

		It("should filter by status and year", func() {
			paid, err := db.ListInvoices(ctx, ListFilter{Status: StatusPaid})
			Expect(err).NotTo(HaveOccurred())
			Expect(paid).To(HaveLen(1))
			Expect(paid[0].ID).To(Equal("b"))

			old, err := db.ListInvoices(ctx, ListFilter{Year: 2024, Status: StatusUnpaid})
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(HaveLen(1))
			Expect(old[0].ID).To(Equal("c"))
		})
	})

	Describe("ApplyLineChanges", func() {
		var (
			changes   []LineChange
			recompute RecomputeFunc
			seen      []LineItem
			err       error
		)

		BeforeEach(func() {
			Expect(db.CreateInvoice(ctx, testInvoice("a", "2025-0001"))).To(Succeed())
			changes = nil
			seen = nil
			recompute = func(lines []LineItem) (TotalsUpdate, error) {
				seen = lines
				totals, err := Compute(lines, decimal.NewFromInt(24))
				return TotalsUpdate{
					TaxRateID: "standard",
					TaxRate:   decimal.NewFromInt(24),
					Totals:    totals,
					At:        time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
				}, err
			}
		})

		JustBeforeEach(func() {
			err = db.ApplyLineChanges(ctx, "a", changes, recompute)
		})

		When("adding, updating and removing", func() {
			BeforeEach(func() {
				updated := mustLine("3", "10.00")
				updated.ID = "a-l1"
				added := mustLine("1", "7.50")
				added.ID = "a-l3"
				changes = []LineChange{
					{Op: EditUpdate, Line: updated},
					{Op: EditRemove, Line: LineItem{ID: "a-l2"}},
					{Op: EditAdd, Line: added},
				}
			})

			It("should commit all of them", func() {
				Expect(err).NotTo(HaveOccurred())
				lines, listErr := db.ListLines(ctx, "a")
				Expect(listErr).NotTo(HaveOccurred())
				Expect(lines).To(HaveLen(2))
				Expect(lines[0].ID).To(Equal("a-l1"))
				Expect(lines[0].Position).To(Equal(1))
				Expect(lines[0].LineTotal.String()).To(Equal("30.00"))
				Expect(lines[1].ID).To(Equal("a-l3"))
				Expect(lines[1].Position).To(Equal(3))
			})

			It("should hand recompute the line set after the changes", func() {
				Expect(seen).To(HaveLen(2))
				Expect(seen[0].LineTotal.String()).To(Equal("30.00"))
				Expect(seen[1].ID).To(Equal("a-l3"))
			})

			It("should store the recomputed totals with the lines", func() {
				inv, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Subtotal.String()).To(Equal("37.50"))
				Expect(inv.TaxAmount.String()).To(Equal("9.00"))
				Expect(inv.Total.String()).To(Equal("46.50"))
				Expect(inv.UpdatedAt).To(Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)))
			})
		})

		When("there are no line changes", func() {
			BeforeEach(func() {
				recompute = func([]LineItem) (TotalsUpdate, error) {
					return TotalsUpdate{
						TaxRateID: "reduced",
						TaxRate:   decimal.NewFromInt(9),
						Totals:    Totals{Subtotal: money.MustParse("25.00"), TaxAmount: money.MustParse("2.25"), Total: money.MustParse("27.25")},
						At:        time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
					}, nil
				}
			})

			It("should store totals, rate and time", func() {
				Expect(err).NotTo(HaveOccurred())
				inv, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.TaxRateID).To(Equal("reduced"))
				Expect(inv.Total.String()).To(Equal("27.25"))
				Expect(inv.Lines).To(HaveLen(2))
			})
		})

		When("no recompute is given", func() {
			BeforeEach(func() {
				recompute = nil
				changes = []LineChange{{Op: EditRemove, Line: LineItem{ID: "a-l2"}}}
			})

			It("should leave the stored totals alone", func() {
				Expect(err).NotTo(HaveOccurred())
				inv, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Lines).To(HaveLen(1))
				Expect(inv.Total.String()).To(Equal("31.00"))
			})
		})

		When("a line does not belong to the invoice", func() {
			BeforeEach(func() {
				changes = []LineChange{
					{Op: EditRemove, Line: LineItem{ID: "a-l1"}},
					{Op: EditRemove, Line: LineItem{ID: "b-l1"}},
				}
			})

			It("should return ErrLineNotFound and change nothing", func() {
				Expect(err).To(MatchError(ErrLineNotFound))
				Expect(seen).To(BeNil())
				lines, listErr := db.ListLines(ctx, "a")
				Expect(listErr).NotTo(HaveOccurred())
				Expect(lines).To(HaveLen(2))
			})
		})

		When("recompute fails", func() {
			BeforeEach(func() {
				changes = []LineChange{{Op: EditRemove, Line: LineItem{ID: "a-l2"}}}
				recompute = func([]LineItem) (TotalsUpdate, error) {
					return TotalsUpdate{}, ErrInvalidAmount
				}
			})

			It("should roll the line changes back", func() {
				Expect(err).To(MatchError(ErrInvalidAmount))
				inv, getErr := db.GetInvoice(ctx, "a")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Lines).To(HaveLen(2))
				Expect(inv.Total.String()).To(Equal("31.00"))
			})
		})

		It("should return ErrInvoiceNotFound for unknown IDs", func() {
			Expect(db.ApplyLineChanges(ctx, "missing", nil, recompute)).To(MatchError(ErrInvoiceNotFound))
		})
	})

	Describe("LastOrdinal", func() {
		It("should see numbers stored without the local counter", func() {
			Expect(db.CreateInvoice(ctx, testInvoice("a", "2024-0005"))).To(Succeed())
			Expect(db.CreateInvoice(ctx, testInvoice("b", "2024-0002"))).To(Succeed())
			Expect(db.CreateInvoice(ctx, testInvoice("c", "2025-0009"))).To(Succeed())

			Expect(db.LastOrdinal(ctx, 2024)).To(Equal(5))
			Expect(db.LastOrdinal(ctx, 2023)).To(Equal(0))
		})

		It("should take the counter when it is ahead of the stored numbers", func() {
			Expect(db.CreateInvoice(ctx, testInvoice("a", "2025-0001"))).To(Succeed())
			for range 3 {
				_, err := db.NextOrdinal(ctx, 2025)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(db.LastOrdinal(ctx, 2025)).To(Equal(3))
		})
	})

	Describe("SaveStatus", func() {
		It("should store only the lifecycle fields", func() {
			Expect(db.CreateInvoice(ctx, testInvoice("a", "2025-0001"))).To(Succeed())
			inv, err := db.GetInvoice(ctx, "a")
			Expect(err).NotTo(HaveOccurred())

			at := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
			Expect(StatusMachine{}.Apply(inv, StatusPaid, "", at)).To(Succeed())
			inv.Total = money.MustParse("1.00")
			Expect(db.SaveStatus(ctx, inv)).To(Succeed())

			saved, err := db.GetInvoice(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(StatusPaid))
			Expect(saved.PaidAt).To(HaveValue(Equal(at)))
			Expect(saved.StatusHistory).To(HaveLen(1))
			Expect(saved.Total.String()).To(Equal("31.00"))
		})
	})

	Describe("DeleteInvoice", func() {
		BeforeEach(func() {
			n, err := db.NextOrdinal(ctx, 2025)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.CreateInvoice(ctx, testInvoice("a", FormatNumber(2025, n)))).To(Succeed())
		})

		It("should remove the invoice and its lines", func() {
			Expect(db.DeleteInvoice(ctx, "a")).To(Succeed())
			_, err := db.GetInvoice(ctx, "a")
			Expect(err).To(MatchError(ErrInvoiceNotFound))
			_, err = db.ListLines(ctx, "a")
			Expect(err).To(MatchError(ErrInvoiceNotFound))
		})

		It("should not hand the number out again", func() {
			Expect(db.DeleteInvoice(ctx, "a")).To(Succeed())
			Expect(db.NextOrdinal(ctx, 2025)).To(Equal(2))
		})

		It("should free the number index", func() {
			Expect(db.DeleteInvoice(ctx, "a")).To(Succeed())
			Expect(db.CreateInvoice(ctx, testInvoice("b", "2025-0001"))).To(Succeed())
		})

		It("should return ErrInvoiceNotFound the second time", func() {
			Expect(db.DeleteInvoice(ctx, "a")).To(Succeed())
			Expect(db.DeleteInvoice(ctx, "a")).To(MatchError(ErrInvoiceNotFound))
		})
	})

	Describe("Snapshot", func() {
		It("should write a database that opens with the same data", func() {
			Expect(db.CreateInvoice(ctx, testInvoice("a", "2025-0001"))).To(Succeed())

			var buf bytes.Buffer
			n, err := db.Snapshot(&buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeNumerically(">", 0))

			copyPath := filepath.Join(tmpDir, "copy.db")
			Expect(os.WriteFile(copyPath, buf.Bytes(), 0600)).To(Succeed())
			restored, err := NewBoltDB(copyPath)
			Expect(err).NotTo(HaveOccurred())
			defer restored.Close()

			inv, err := restored.GetInvoice(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.Number).To(Equal(Number("2025-0001")))
		})
	})
})
