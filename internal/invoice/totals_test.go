package invoice

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/waltings/billipocket-gpt5/internal/money"
)

func mustLine(qty, price string) LineItem {
	line, err := resolveLine("line", "item", decimal.RequireFromString(qty), money.MustParse(price))
	Expect(err).NotTo(HaveOccurred())
	return line
}

func mustCompute(lines []LineItem, rate decimal.Decimal) Totals {
	totals, err := Compute(lines, rate)
	Expect(err).NotTo(HaveOccurred())
	return totals
}

var _ = Describe("Compute", func() {
	var (
		lines  []LineItem
		rate   decimal.Decimal
		totals Totals
		err    error
	)

	JustBeforeEach(func() {
		totals, err = Compute(lines, rate)
	})

	When("lines are whole amounts", func() {
		BeforeEach(func() {
			lines = []LineItem{mustLine("2", "10.00"), mustLine("1", "5.00")}
			rate = decimal.NewFromInt(24)
		})

		It("should compute subtotal, tax and total", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.Subtotal.String()).To(Equal("25.00"))
			Expect(totals.TaxAmount.String()).To(Equal("6.00"))
			Expect(totals.Total.String()).To(Equal("31.00"))
		})
	})

	When("quantities are fractional", func() {
		BeforeEach(func() {
			lines = []LineItem{
				mustLine("1.33", "123.45"),
				mustLine("2.67", "87.65"),
				mustLine("0.75", "199.99"),
			}
			rate = decimal.NewFromInt(24)
		})

		It("should round each line half up to cents", func() {
			Expect(lines[0].LineTotal.String()).To(Equal("164.19"))
			Expect(lines[1].LineTotal.String()).To(Equal("234.03"))
			Expect(lines[2].LineTotal.String()).To(Equal("149.99"))
		})

		It("should round the tax once", func() {
			Expect(totals.Subtotal.String()).To(Equal("548.21"))
			Expect(totals.TaxAmount.String()).To(Equal("131.57"))
			Expect(totals.Total.String()).To(Equal("679.78"))
		})

		It("should not depend on line order", func() {
			reversed := []LineItem{lines[2], lines[1], lines[0]}
			Expect(mustCompute(reversed, rate)).To(Equal(totals))
			Expect(mustCompute(lines, rate)).To(Equal(totals))
		})
	})

	When("there are no lines", func() {
		BeforeEach(func() {
			lines = nil
			rate = decimal.NewFromInt(24)
		})

		It("should return zeros", func() {
			Expect(totals.Subtotal.IsZero()).To(BeTrue())
			Expect(totals.TaxAmount.IsZero()).To(BeTrue())
			Expect(totals.Total.IsZero()).To(BeTrue())
		})
	})

	When("the rate has decimals", func() {
		BeforeEach(func() {
			lines = []LineItem{mustLine("1", "10.05")}
			rate = decimal.RequireFromString("5.5")
		})

		It("should round the tax half up", func() {
			// 10.05 × 5.5% = 0.55275
			Expect(totals.TaxAmount.String()).To(Equal("0.55"))
			Expect(totals.Total.String()).To(Equal("10.60"))
		})
	})

	When("the subtotal does not fit", func() {
		BeforeEach(func() {
			lines = []LineItem{mustLine("1", "6000000000000.00"), mustLine("1", "6000000000000.00")}
			rate = decimal.Zero
		})

		It("should return ErrInvalidAmount", func() {
			Expect(err).To(MatchError(ErrInvalidAmount))
		})
	})

	When("the tax pushes the total past the largest amount", func() {
		BeforeEach(func() {
			lines = []LineItem{mustLine("1", "9000000000000.00")}
			rate = decimal.NewFromInt(24)
		})

		It("should return ErrInvalidAmount", func() {
			Expect(err).To(MatchError(ErrInvalidAmount))
		})
	})

	It("should always satisfy total = subtotal + tax", func() {
		for _, r := range []string{"0", "9", "20", "24", "7.25"} {
			t := mustCompute([]LineItem{mustLine("3", "33.33"), mustLine("0.5", "0.01")}, decimal.RequireFromString(r))
			Expect(t.Subtotal.Add(t.TaxAmount)).To(Equal(t.Total))
		}
	})
})
