package pdfsource

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/local/invoicesplit/internal/filetype"
)

func TestPdfsource(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pdfsource Suite")
}

// writePDF builds a small letter-size PDF with one line of Helvetica text per page.
func writePDF(path string, lines []string) {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	n := len(lines)
	kids := make([]string, n)
	for i := range lines {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	for i, line := range lines {
		esc := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(line)
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", esc)
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	Expect(os.WriteFile(path, buf.Bytes(), 0o644)).To(Succeed())
}

var _ = Describe("Document", func() {
	var (
		dir  string
		path string
		doc  *Document
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "scan.pdf")
		writePDF(path, []string{"HAWB:LAX-904991PAGE:1", "continued", "HAWB:JAX-922278PAGE:1"})
		var err error
		doc, err = Open(path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(doc.Close)
	})

	It("should count pages", func() {
		Expect(doc.NumPages()).To(Equal(3))
		Expect(doc.Path()).To(Equal(path))
	})

	It("should read the text layer", func() {
		text, err := doc.Text(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(ContainSubstring("HAWB:LAX-904991PAGE:1"))
	})

	It("should render at the requested resolution", func() {
		img, err := doc.Render(1, 72)
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(BeNumerically("~", 612, 2))
		Expect(img.Bounds().Dy()).To(BeNumerically("~", 792, 2))
	})

	It("should reject out-of-range pages", func() {
		_, err := doc.Render(3, 72)
		Expect(err).To(MatchError(ErrPageRange))
		_, err = doc.Text(-1)
		Expect(err).To(MatchError(ErrPageRange))
	})

	It("should copy a page subset into a new document", func() {
		var out bytes.Buffer
		Expect(doc.CopyPages(context.Background(), []int{0, 2}, &out)).To(Succeed())
		n, err := api.PageCount(bytes.NewReader(out.Bytes()), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))

		again, err := Open(path)
		Expect(err).NotTo(HaveOccurred())
		defer again.Close()
		Expect(again.NumPages()).To(Equal(3))
	})

	It("should refuse to copy nothing", func() {
		Expect(doc.CopyPages(context.Background(), nil, &bytes.Buffer{})).To(HaveOccurred())
	})

	It("should fail after close", func() {
		Expect(doc.Close()).To(Succeed())
		_, err := doc.Text(0)
		Expect(err).To(MatchError(ErrClosed))
	})
})

var _ = Describe("Open", func() {
	It("should reject non-PDF content", func() {
		p := filepath.Join(GinkgoT().TempDir(), "notes.pdf")
		Expect(os.WriteFile(p, []byte("hello"), 0o644)).To(Succeed())
		_, err := Open(p)
		Expect(err).To(MatchError(filetype.ErrNotPDF))
	})

	It("should fail for a missing file", func() {
		_, err := Open(filepath.Join(GinkgoT().TempDir(), "missing.pdf"))
		Expect(err).To(HaveOccurred())
	})
})
