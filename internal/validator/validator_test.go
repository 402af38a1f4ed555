package validator_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kubev2v/fragproc/internal/validator"
)

func TestValidator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Validator Suite")
}

func offsets() map[string]int {
	return map[string]int{"currencies": 3, "provinces": 10, "products": 11}
}

func refData() validator.ReferenceData {
	return validator.NewReferenceData(map[string][]string{
		"currencies": {"USD", "CAD"},
		"provinces":  {"ON", "QC"},
		"products":   {"WIDGET"},
	})
}

func columns(n int) string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = "x"
	}
	// Reference-checked columns are filled in only when the line is wide
	// enough to have them, so lines shorter than 12 columns can be built.
	for idx, v := range map[int]string{3: "USD", 10: "ON", 11: "WIDGET"} {
		if idx < n {
			cols[idx] = v
		}
	}
	out := cols[0]
	for _, c := range cols[1:] {
		out += ";" + c
	}
	return out
}

var _ = DescribeTable("column count minimums",
	func(minColumns int) {
		cfg := validator.Config{MinColumns: minColumns, FieldOffsets: offsets()}
		line := columns(minColumns)

		Expect(validator.Validate(line, cfg, refData())).To(BeNil())

		short := columns(minColumns - 1)
		result := validator.Validate(short, cfg, refData())
		Expect(result).NotTo(BeNil())
		Expect(result.Type).To(Equal(validator.ErrTooFewColumns))
	},
	Entry("12 columns", 12),
	Entry("18 columns", 18),
)

var _ = Describe("Validate", func() {
	cfg := validator.Config{MinColumns: 12, FieldOffsets: offsets()}

	It("accepts a well-formed line", func() {
		Expect(validator.Validate(columns(12), cfg, refData())).To(BeNil())
	})

	It("flags an empty required field", func() {
		cols := columns(12)
		line := replaceColumn(cols, 3, "   ")
		result := validator.Validate(line, cfg, refData())
		Expect(result).NotTo(BeNil())
		Expect(result.Type).To(Equal(validator.ErrMissingField))
		Expect(result.Field).To(Equal("currencies"))
	})

	It("flags a value outside the reference set", func() {
		cols := columns(12)
		line := replaceColumn(cols, 3, "XYZ")
		result := validator.Validate(line, cfg, refData())
		Expect(result).NotTo(BeNil())
		Expect(result.Type).To(Equal(validator.ErrorType("invalid_currencies")))
		Expect(result.Value).To(Equal("XYZ"))
	})

	It("ignores a category with an empty reference set", func() {
		cfgNoRef := validator.Config{MinColumns: 12, FieldOffsets: offsets()}
		emptyRef := validator.NewReferenceData(map[string][]string{"currencies": {}, "provinces": {}, "products": {}})
		Expect(validator.Validate(columns(12), cfgNoRef, emptyRef)).To(BeNil())
	})

	It("trims a trailing CR before extracting fields", func() {
		line := columns(12) + "\r"
		Expect(validator.Validate(line, cfg, refData())).To(BeNil())
	})

	It("uses configurable field offsets, not hardcoded ones", func() {
		altOffsets := map[string]int{"currencies": 0}
		altCfg := validator.Config{MinColumns: 1, FieldOffsets: altOffsets}
		ref := validator.NewReferenceData(map[string][]string{"currencies": {"USD"}})

		Expect(validator.Validate("USD", altCfg, ref)).To(BeNil())
		result := validator.Validate("EUR", altCfg, ref)
		Expect(result).NotTo(BeNil())
		Expect(result.Field).To(Equal("currencies"))
	})
})

func replaceColumn(line string, idx int, value string) string {
	cols := splitSemi(line)
	cols[idx] = value
	out := cols[0]
	for _, c := range cols[1:] {
		out += ";" + c
	}
	return out
}

func splitSemi(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
