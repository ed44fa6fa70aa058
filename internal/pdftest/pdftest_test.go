package pdftest

import (
	"errors"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPdftest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pdftest Suite")
}

type fakeSource struct {
	texts []string
	fail  map[int]bool
}

func (f fakeSource) NumPages() int { return len(f.texts) }

func (f fakeSource) Text(i int) (string, error) {
	if f.fail[i] {
		return "", errors.New("broken page")
	}
	return f.texts[i], nil
}

var _ = Describe("HasExtractableText", func() {
	It("should detect a text layer above the threshold", func() {
		src := fakeSource{texts: []string{strings.Repeat("a b ", 100), "x"}}
		ok, diag, err := HasExtractableText(src, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(diag.SampledPages).To(Equal([]int{0, 1}))
		Expect(diag.TotalCharsInSample).To(Equal(201))
		Expect(diag.Threshold).To(Equal(DefaultThreshold))
	})

	It("should report scanned pages as having no text", func() {
		src := fakeSource{texts: []string{"  \n", "", "\t"}}
		ok, diag, err := HasExtractableText(src, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(diag.TotalCharsInSample).To(BeZero())
	})

	It("should record per-page errors without failing", func() {
		src := fakeSource{texts: []string{"hello", "world"}, fail: map[int]bool{1: true}}
		ok, diag, err := HasExtractableText(src, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(diag.Probes[1].Err).To(Equal("broken page"))
	})

	It("should sample five pages of a long document including the ends", func() {
		src := fakeSource{texts: make([]string, 40)}
		_, diag, err := HasExtractableText(src, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(diag.SampledPages).To(HaveLen(5))
		Expect(diag.SampledPages).To(ContainElements(0, 20, 39))
	})

	It("should clamp explicit pages", func() {
		src := fakeSource{texts: []string{"a", "b", "c"}}
		_, diag, err := HasExtractableTextWithPages(src, 1, []int{2, -1, 2, 9, 0})
		Expect(err).NotTo(HaveOccurred())
		Expect(diag.SampledPages).To(Equal([]int{0, 2}))
	})

	It("should reject a nil source", func() {
		_, _, err := HasExtractableText(nil, 1)
		Expect(err).To(MatchError(ErrNoSource))
	})
})
