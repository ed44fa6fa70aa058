package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/local/invoicesplit/internal/export"
	"github.com/local/invoicesplit/internal/progress"
	"github.com/local/invoicesplit/internal/recognize"
	"github.com/local/invoicesplit/internal/report"
	"github.com/local/invoicesplit/internal/session"
	"github.com/local/invoicesplit/internal/store"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

// fakeDoc serves canned page texts. CopyPages writes the page list so tests
// can check which pages went into an artifact.
type fakeDoc struct {
	path      string
	texts     []string
	textErr   map[int]error
	renderErr map[int]error
	gate      chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFakeDoc(codes ...string) *fakeDoc {
	d := &fakeDoc{path: "/in/batch.pdf", textErr: map[int]error{}, renderErr: map[int]error{}}
	for _, c := range codes {
		if c == "" {
			d.texts = append(d.texts, "continued from previous page")
		} else {
			d.texts = append(d.texts, "HAWB:"+c+"PAGE:1 of 2")
		}
	}
	return d
}

func (d *fakeDoc) Path() string  { return d.path }
func (d *fakeDoc) NumPages() int { return len(d.texts) }

func (d *fakeDoc) Render(i int, dpi float64) (image.Image, error) {
	if d.gate != nil {
		<-d.gate
	}
	if err := d.renderErr[i]; err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.Black)
	}
	return img, nil
}

func (d *fakeDoc) Text(i int) (string, error) {
	if err := d.textErr[i]; err != nil {
		return "", err
	}
	return d.texts[i], nil
}

func (d *fakeDoc) CopyPages(_ context.Context, indices []int, w io.Writer) error {
	_, err := fmt.Fprintf(w, "%v", indices)
	return err
}

func (d *fakeDoc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDoc) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// textReader reads straight from the text layer.
type textReader struct{ doc *fakeDoc }

func (r textReader) ReadPage(ctx context.Context, i int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.doc.Text(i)
}

// panickyReader blows up on one page, like a decoder choking on bad data.
type panickyReader struct {
	textReader
	page int
}

func (r panickyReader) ReadPage(ctx context.Context, i int) (string, error) {
	if i == r.page {
		panic("image: corrupt huffman table")
	}
	return r.textReader.ReadPage(ctx, i)
}

func runAuto(a *AutoRunner, doc *fakeDoc) (*RunResult, []progress.Event, error) {
	ch := make(chan progress.Event, 256)
	rep := progress.NewReporter("job-1", ch)
	res, err := a.Run(context.Background(), doc, textReader{doc}, rep)
	close(ch)
	var events []progress.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return res, events, err
}

func newAuto(root string) *AutoRunner {
	w, err := export.NewWriter(export.Options{Root: root})
	Expect(err).NotTo(HaveOccurred())
	return &AutoRunner{Recognizer: recognize.MustDefault(), Writer: w, Manifest: true}
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

var _ = Describe("AutoRunner", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
	})

	It("carries codes forward and exports one artifact per code", func() {
		doc := newFakeDoc("LAX-1", "", "", "ORD-22", "")
		res, events, err := runAuto(newAuto(root), doc)
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Groups).To(HaveLen(2))
		Expect(res.Groups[0].Code).To(Equal("LAX-1"))
		Expect(res.Groups[0].Pages).To(Equal([]int{0, 1, 2}))
		Expect(res.Groups[1].Code).To(Equal("ORD-22"))
		Expect(res.Groups[1].Pages).To(Equal([]int{3, 4}))
		Expect(res.Skipped).To(BeEmpty())

		Expect(readFile(filepath.Join(root, "LAX-1", "LAX-1.pdf"))).To(Equal("[0 1 2]"))
		Expect(readFile(filepath.Join(root, "ORD-22", "ORD-22.pdf"))).To(Equal("[3 4]"))
		Expect(res.Manifest).To(Equal(filepath.Join(root, ManifestName)))
		Expect(res.Manifest).To(BeAnExistingFile())

		last := events[len(events)-1]
		Expect(last.Kind).To(Equal(progress.KindDone))
		Expect(last.Percent).To(Equal(100))
		Expect(last.Result).To(BeIdenticalTo(res))
	})

	It("drops leading pages without a code", func() {
		doc := newFakeDoc("", "", "LAX-1", "")
		res, events, err := runAuto(newAuto(root), doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Groups).To(HaveLen(1))
		Expect(res.Groups[0].Pages).To(Equal([]int{2, 3}))
		Expect(res.Skipped).To(Equal([]SkipResult{
			{Page: 0, Reason: "no_code"},
			{Page: 1, Reason: "no_code"},
		}))

		var skips int
		for _, ev := range events {
			if ev.Kind == progress.KindSkip {
				skips++
			}
		}
		Expect(skips).To(Equal(2))
	})

	It("merges non-adjacent runs of the same code", func() {
		doc := newFakeDoc("LAX-1", "ORD-2", "LAX-1")
		res, _, err := runAuto(newAuto(root), doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Groups).To(HaveLen(2))
		Expect(res.Groups[0].Pages).To(Equal([]int{0, 2}))
		Expect(readFile(filepath.Join(root, "LAX-1", "LAX-1.pdf"))).To(Equal("[0 2]"))
	})

	It("skips pages whose text cannot be read without touching the carried code", func() {
		doc := newFakeDoc("LAX-1", "", "", "")
		doc.textErr[1] = errors.New("ocr crashed")
		res, _, err := runAuto(newAuto(root), doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Groups[0].Pages).To(Equal([]int{0, 2, 3}))
		Expect(res.Skipped).To(ConsistOf(SkipResult{Page: 1, Reason: "extraction_failed", Error: "ocr crashed"}))
	})

	It("turns a panicking page read into an extraction skip", func() {
		doc := newFakeDoc("LAX-1", "", "ORD-2")
		ch := make(chan progress.Event, 64)
		res, err := newAuto(root).Run(context.Background(), doc, panickyReader{textReader{doc}, 1}, progress.NewReporter("j", ch))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Groups).To(HaveLen(2))
		Expect(res.Groups[0].Pages).To(Equal([]int{0}))
		Expect(res.Skipped).To(HaveLen(1))
		Expect(res.Skipped[0].Page).To(Equal(1))
		Expect(res.Skipped[0].Reason).To(Equal("extraction_failed"))
		Expect(res.Skipped[0].Error).To(ContainSubstring("corrupt huffman table"))
	})

	It("produces nothing for a document without codes", func() {
		doc := newFakeDoc("", "")
		res, events, err := runAuto(newAuto(root), doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Groups).To(BeEmpty())
		Expect(res.Skipped).To(HaveLen(2))
		Expect(events[len(events)-1].Kind).To(Equal(progress.KindDone))
	})

	It("writes page rasters next to the artifact", func() {
		a := newAuto(root)
		a.Rasters = true
		doc := newFakeDoc("LAX-1", "")
		doc.renderErr[1] = errors.New("bad page")
		res, _, err := runAuto(a, doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Groups[0].Rasters).To(Equal([]string{filepath.Join(root, "LAX-1", "page_1.png")}))
		Expect(filepath.Join(root, "LAX-1", "page_1.png")).To(BeAnExistingFile())
	})

	It("aborts with an error followed by done when an export fails", func() {
		blocker := filepath.Join(root, "file")
		Expect(os.WriteFile(blocker, []byte("x"), 0o644)).To(Succeed())
		doc := newFakeDoc("LAX-1", "ORD-2")

		res, events, err := runAuto(newAuto(blocker), doc)
		var ioErr *export.IOError
		Expect(errors.As(err, &ioErr)).To(BeTrue())
		Expect(res.Groups).To(BeEmpty())

		n := len(events)
		Expect(events[n-2].Kind).To(Equal(progress.KindError))
		Expect(events[n-1].Kind).To(Equal(progress.KindDone))
	})

	It("stops on cancellation", func() {
		doc := newFakeDoc("LAX-1", "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ch := make(chan progress.Event, 16)
		_, err := newAuto(root).Run(ctx, doc, textReader{doc}, progress.NewReporter("j", ch))
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("previewCache", func() {
	It("evicts the oldest render first", func() {
		c := newPreviewCache(2)
		img := image.NewGray(image.Rect(0, 0, 1, 1))
		c.put(0, 240, img)
		c.put(1, 240, img)
		c.put(2, 240, img)
		Expect(c.size()).To(Equal(2))
		_, ok := c.get(0, 240)
		Expect(ok).To(BeFalse())
		_, ok = c.get(2, 240)
		Expect(ok).To(BeTrue())
	})
})

var _ = Describe("CleanupTemps", func() {
	It("removes only old scratch files", func() {
		dir := GinkgoT().TempDir()
		old := time.Now().Add(-2 * time.Hour)
		for _, name := range []string{"pdfdl-1.pdf", "ocr-page-2.png", "upload-x-a.pdf", "keep.pdf"} {
			p := filepath.Join(dir, name)
			Expect(os.WriteFile(p, nil, 0o644)).To(Succeed())
			Expect(os.Chtimes(p, old, old)).To(Succeed())
		}
		fresh := filepath.Join(dir, "s3pdf-new.pdf")
		Expect(os.WriteFile(fresh, nil, 0o644)).To(Succeed())

		Expect(CleanupTemps(time.Hour, nil, dir)).To(Equal(3))
		Expect(filepath.Join(dir, "keep.pdf")).To(BeAnExistingFile())
		Expect(fresh).To(BeAnExistingFile())
	})
})

var _ = Describe("CleanupTemps with a loaded upload", func() {
	It("keeps the file behind the loaded document", func() {
		dir := GinkgoT().TempDir()
		upload := filepath.Join(dir, "upload-1234-scan.pdf")
		stale := filepath.Join(dir, "upload-9999-old.pdf")
		old := time.Now().Add(-7 * time.Hour)
		for _, p := range []string{upload, stale} {
			Expect(os.WriteFile(p, []byte("%PDF-1.4"), 0o644)).To(Succeed())
			Expect(os.Chtimes(p, old, old)).To(Succeed())
		}

		doc := newFakeDoc("A-1", "")
		doc.path = upload
		ctl := newController(map[string]*fakeDoc{upload: doc}, filepath.Join(dir, "auto"), filepath.Join(dir, "manual"), nil)
		DeferCleanup(ctl.Close)
		_, err := ctl.Load(context.Background(), upload, upload)
		Expect(err).NotTo(HaveOccurred())
		ctl.Wait()

		Expect(CleanupTemps(6*time.Hour, ctl.InUse, dir)).To(Equal(1))
		Expect(upload).To(BeAnExistingFile())
		Expect(stale).NotTo(BeAnExistingFile())

		Expect(ctl.Toggle(0)).To(BeTrue())
		_, err = ctl.Export(context.Background(), session.Request{Code: "INV-1", Year: "2027", Client: "DSV"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("holds nothing without a loaded document", func() {
		dir := GinkgoT().TempDir()
		upload := filepath.Join(dir, "upload-1234-scan.pdf")
		Expect(os.WriteFile(upload, nil, 0o644)).To(Succeed())

		ctl := newController(map[string]*fakeDoc{}, filepath.Join(dir, "auto"), filepath.Join(dir, "manual"), nil)
		Expect(ctl.InUse(upload)).To(BeFalse())
	})
})

var _ = Describe("LocalizeInput", func() {
	It("passes local paths through", func() {
		p, tmp, err := LocalizeInput(context.Background(), "file:///data/a.pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal("/data/a.pdf"))
		Expect(tmp).To(BeEmpty())
	})

	It("downloads http inputs to a temp file", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("%PDF-1.4"))
		}))
		defer srv.Close()
		p, tmp, err := LocalizeInput(context.Background(), srv.URL+"/a.pdf")
		Expect(err).NotTo(HaveOccurred())
		defer os.Remove(tmp)
		Expect(tmp).To(Equal(p))
		Expect(readFile(p)).To(Equal("%PDF-1.4"))
	})

	It("rejects malformed s3 references", func() {
		_, _, err := LocalizeInput(context.Background(), "s3://bucket-only")
		Expect(err).To(HaveOccurred())
	})
})

type fakeUsage struct {
	counts    map[int]int
	err       error
	sessionID string
}

func (u *fakeUsage) Usage(_ context.Context, sid string) (map[int]int, error) {
	u.sessionID = sid
	return u.counts, u.err
}

func (u *fakeUsage) Exports(_ context.Context, sid string) ([]session.Export, error) {
	return nil, u.err
}

// reportTotal reads the total page-uses cell of a usage workbook.
func reportTotal(data []byte, pages int) string {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	v, err := f.GetCellValue(report.SheetPages, fmt.Sprintf("B%d", pages+2))
	Expect(err).NotTo(HaveOccurred())
	return v
}

type fakeMailer struct {
	path, to string
}

func (m *fakeMailer) Send(_ context.Context, path, to string) error {
	m.path, m.to = path, to
	return nil
}

func newController(docs map[string]*fakeDoc, autoRoot, manualRoot string, mailer Mailer) *Controller {
	manual, err := export.NewWriter(export.Options{Root: manualRoot})
	Expect(err).NotTo(HaveOccurred())
	return NewController(Dependencies{
		Open: func(path string) (Document, error) {
			d, ok := docs[path]
			if !ok {
				return nil, os.ErrNotExist
			}
			return d, nil
		},
		Readers: func(doc Document) TextReader { return textReader{doc.(*fakeDoc)} },
		Auto:    newAuto(autoRoot),
		Manual:  manual,
		Status:  store.NewMemoryStatus(),
		Mailer:  mailer,
		Roots:   []string{autoRoot, manualRoot},
	})
}

var _ = Describe("Controller", func() {
	var (
		autoRoot, manualRoot string
		docs                 map[string]*fakeDoc
		mailer               *fakeMailer
		ctl                  *Controller
	)

	BeforeEach(func() {
		tmp := GinkgoT().TempDir()
		autoRoot, manualRoot = filepath.Join(tmp, "auto"), filepath.Join(tmp, "manual")
		docs = map[string]*fakeDoc{"a.pdf": newFakeDoc("LAX-1", "", "ORD-2")}
		mailer = &fakeMailer{}
		ctl = newController(docs, autoRoot, manualRoot, mailer)
		DeferCleanup(ctl.Close)
	})

	It("rejects operations before a document is loaded", func() {
		_, err := ctl.Pages()
		Expect(err).To(MatchError(ErrNoDocument))
		_, err = ctl.Scan(context.Background())
		Expect(err).To(MatchError(ErrNoDocument))
		Expect(ctl.Status().Line).To(Equal("No document loaded"))
	})

	It("reports a load failure as fatal", func() {
		_, err := ctl.Load(context.Background(), "missing.pdf", "")
		var fatal *FatalRunError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(fatal.Input).To(Equal("missing.pdf"))
	})

	It("renders thumbnails in the background", func() {
		job, err := ctl.Load(context.Background(), "a.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		ctl.Wait()

		pages, err := ctl.Pages()
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(HaveLen(3))
		Expect(pages[0].Label).To(Equal("Page 1  (used: 0)"))
		Expect(pages[2].Thumbnail).To(BeTrue())

		png, err := ctl.Thumbnail(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(png[:4]).To(Equal([]byte("\x89PNG")))

		st, ok, err := ctl.Job(context.Background(), job)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(st.State).To(Equal(store.StateDone))
		Expect(st.Progress).To(Equal(100))
	})

	It("ignores events from a superseded document", func() {
		slow := newFakeDoc("A-1", "", "", "")
		slow.gate = make(chan struct{})
		docs["slow.pdf"] = slow
		fast := newFakeDoc("B-1", "", "", "")
		fast.renderErr[3] = errors.New("broken page")
		docs["fast.pdf"] = fast

		oldJob, err := ctl.Load(context.Background(), "slow.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		newJob, err := ctl.Load(context.Background(), "fast.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(slow.isClosed()).To(BeTrue())
		close(slow.gate)
		ctl.Wait()

		_, err = ctl.Thumbnail(3)
		Expect(err).To(MatchError(ErrNotReady))
		Expect(ctl.Status().JobID).To(Equal(newJob))

		st, _, _ := ctl.Job(context.Background(), oldJob)
		Expect(st.State).To(Equal(store.StateFailed))
	})

	It("runs a scan and refuses a second one while it is in flight", func() {
		slow := newFakeDoc("A-1", "")
		docs["b.pdf"] = slow
		_, err := ctl.Load(context.Background(), "b.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		ctl.Wait()

		slow.gate = make(chan struct{})
		ctl.deps.Auto.Rasters = true
		job, err := ctl.Scan(context.Background())
		Expect(err).NotTo(HaveOccurred())
		_, err = ctl.Scan(context.Background())
		Expect(err).To(MatchError(ErrJobInFlight))
		close(slow.gate)
		ctl.Wait()

		res, ok := ctl.LastRun()
		Expect(ok).To(BeTrue())
		Expect(res.JobID).To(Equal(job))
		Expect(res.Groups[0].Pages).To(Equal([]int{0, 1}))
		Expect(filepath.Join(autoRoot, "A-1", "A-1.pdf")).To(BeAnExistingFile())
	})

	It("exports the selection and counts page uses", func() {
		_, err := ctl.Load(context.Background(), "a.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		ctl.Wait()

		_, err = ctl.Export(context.Background(), session.Request{Code: "INV-7"})
		Expect(err).To(MatchError(session.ErrNoPagesSelected))

		Expect(ctl.Toggle(2)).To(BeTrue())
		Expect(ctl.Toggle(0)).To(BeTrue())
		e, err := ctl.Export(context.Background(), session.Request{Code: "INV-7", Year: "2027", Client: "DSV"})
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Path).To(Equal(filepath.Join(manualRoot, "2027", "DSV", "INV-7.pdf")))
		Expect(readFile(e.Path)).To(Equal("[0 2]"))

		st := ctl.Status()
		Expect(st.Line).To(Equal("Total pages: 3 | Total page-uses recorded: 2"))
		Expect(st.Checked).To(BeEmpty())
		Expect(st.Year).To(Equal("2027"))

		data, err := ctl.Report(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(data[:2]).To(Equal([]byte("PK")))
		Expect(reportTotal(data, 3)).To(Equal("2"))

		Expect(ctl.Deliver(context.Background(), e.Path, "ops@example.com")).To(Succeed())
		Expect(mailer.to).To(Equal("ops@example.com"))
		Expect(ctl.Deliver(context.Background(), "/etc/passwd", "ops@example.com")).To(MatchError(ErrOutsideRoots))
	})

	It("serves job status while skip events are applied", func() {
		_, err := ctl.Load(context.Background(), "a.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		ctl.Wait()
		job := "job-skips"
		Expect(ctl.deps.Status.Set(context.Background(), job, store.Status{State: store.StateRunning})).To(Succeed())

		const n = 2000
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			for i := 0; i < n; i++ {
				ctl.apply(JobScan, progress.Event{JobID: job, Kind: progress.KindSkip, Page: i, Message: "no_code"})
			}
		}()
		for polling := true; polling; {
			select {
			case <-done:
				polling = false
			default:
				st, _, err := ctl.Job(context.Background(), job)
				Expect(err).NotTo(HaveOccurred())
				_, err = json.Marshal(st.Metadata)
				Expect(err).NotTo(HaveOccurred())
			}
		}

		st, _, _ := ctl.Job(context.Background(), job)
		Expect(st.Metadata["skipped"]).To(Equal(n))
	})

	When("a usage source is configured", func() {
		var usage *fakeUsage

		BeforeEach(func() {
			usage = &fakeUsage{counts: map[int]int{0: 4, 2: 1, 99: 7}}
			ctl.deps.Usage = usage
		})

		It("reports the recorded trail", func() {
			_, err := ctl.Load(context.Background(), "a.pdf", "")
			Expect(err).NotTo(HaveOccurred())
			ctl.Wait()

			data, err := ctl.Report(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(usage.sessionID).To(Equal(ctl.Status().SessionID))
			Expect(reportTotal(data, 3)).To(Equal("5"))
		})

		It("falls back to the session when the trail is unreadable", func() {
			usage.err = errors.New("redis: connection refused")
			_, err := ctl.Load(context.Background(), "a.pdf", "")
			Expect(err).NotTo(HaveOccurred())
			ctl.Wait()
			Expect(ctl.Toggle(1)).To(BeTrue())
			_, err = ctl.Export(context.Background(), session.Request{Code: "INV-8", Year: "2027", Client: "DSV"})
			Expect(err).NotTo(HaveOccurred())

			data, err := ctl.Report(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(reportTotal(data, 3)).To(Equal("1"))
		})
	})

	It("renders previews within the zoom bounds", func() {
		_, err := ctl.Load(context.Background(), "a.pdf", "")
		Expect(err).NotTo(HaveOccurred())
		png, err := ctl.Preview(0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(png[:4]).To(Equal([]byte("\x89PNG")))
		_, err = ctl.Preview(9, 1)
		Expect(err).To(MatchError(session.ErrPageOutOfRange))
	})
})

var _ = Describe("Server", func() {
	var (
		ctl *Controller
		mux *http.ServeMux
		pdf string
	)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth("ops", "secret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		tmp := GinkgoT().TempDir()
		pdf = filepath.Join(tmp, "in.pdf")
		Expect(os.WriteFile(pdf, []byte("%PDF-1.4\n%%EOF\n"), 0o644)).To(Succeed())
		docs := map[string]*fakeDoc{pdf: newFakeDoc("LAX-1", "")}
		ctl = newController(docs, filepath.Join(tmp, "auto"), filepath.Join(tmp, "manual"), &fakeMailer{})
		DeferCleanup(ctl.Close)

		hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		Expect(err).NotTo(HaveOccurred())
		mux = http.NewServeMux()
		NewServer(ctl, ServerOptions{Username: "ops", PasswordHash: string(hash), UploadDir: tmp}).RegisterRoutes(mux)
	})

	It("requires credentials except for health", func() {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))

		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("maps session errors to status codes", func() {
		Expect(do(http.MethodGet, "/pages", "").Code).To(Equal(http.StatusConflict))

		rec := do(http.MethodPost, "/documents", `{"path":"`+pdf+`"}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var jr jobResp
		Expect(json.Unmarshal(rec.Body.Bytes(), &jr)).To(Succeed())
		Expect(jr.Pages).To(Equal(2))
		ctl.Wait()

		Expect(do(http.MethodGet, "/progress/"+jr.JobID, "").Code).To(Equal(http.StatusOK))
		Expect(do(http.MethodGet, "/progress/nope", "").Code).To(Equal(http.StatusNotFound))

		rec = do(http.MethodPost, "/export", `{"code":"INV-1"}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring("no_pages_selected"))

		Expect(do(http.MethodPost, "/pages/7/toggle", "").Code).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodPost, "/pages/1/toggle", "").Code).To(Equal(http.StatusOK))
		rec = do(http.MethodPost, "/export", `{"code":"INV-1","client":"Other","other":""}`)
		Expect(rec.Body.String()).To(ContainSubstring("missing_client"))

		rec = do(http.MethodPost, "/export", `{"code":"INV-1","year":"2026","client":"RXO"}`)
		Expect(rec.Code).To(Equal(http.StatusCreated))

		rec = do(http.MethodGet, "/pages/1/thumbnail", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("image/png"))

		Expect(do(http.MethodPost, "/deliver", `{"path":"/etc/hosts","to":"a@b.c"}`).Code).To(Equal(http.StatusForbidden))
		Expect(do(http.MethodGet, "/scan/result", "").Code).To(Equal(http.StatusAccepted))
	})

	It("rejects inputs that are not PDFs", func() {
		txt := filepath.Join(filepath.Dir(pdf), "notes.txt")
		Expect(os.WriteFile(txt, []byte("hello"), 0o644)).To(Succeed())
		rec := do(http.MethodPost, "/documents", `{"path":"`+txt+`"}`)
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
	})

	It("accepts multipart uploads", func() {
		var body bytes.Buffer
		body.WriteString("--xx\r\nContent-Disposition: form-data; name=\"file\"; filename=\"in.pdf\"\r\n" +
			"Content-Type: application/pdf\r\n\r\n%PDF-1.4\n%%EOF\n\r\n--xx--\r\n")
		req := httptest.NewRequest(http.MethodPost, "/documents", &body)
		req.Header.Set("Content-Type", "multipart/form-data; boundary=xx")
		req.SetBasicAuth("ops", "secret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		// uploads land under a generated name the fake opener does not know
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
		matches, _ := filepath.Glob(filepath.Join(filepath.Dir(pdf), "upload-*"))
		Expect(matches).To(BeEmpty())
	})

	It("rejects a non-PDF upload before writing it", func() {
		var body bytes.Buffer
		body.WriteString("--xx\r\nContent-Disposition: form-data; name=\"file\"; filename=\"notes.pdf\"\r\n" +
			"Content-Type: application/pdf\r\n\r\njust some text, not a document\r\n--xx--\r\n")
		req := httptest.NewRequest(http.MethodPost, "/documents", &body)
		req.Header.Set("Content-Type", "multipart/form-data; boundary=xx")
		req.SetBasicAuth("ops", "secret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(rec.Body.String()).To(ContainSubstring("not a PDF"))
		matches, _ := filepath.Glob(filepath.Join(filepath.Dir(pdf), "upload-*"))
		Expect(matches).To(BeEmpty())
	})
})
