package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStorage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage Suite")
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{Location: "s3://bucket/" + *in.Key}, nil
}

type fakeBucket struct{ err error }

func (f fakeBucket) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.err
}

var _ = Describe("S3Mirror", func() {
	var (
		up       *fakeUploader
		artifact string
	)

	BeforeEach(func() {
		up = &fakeUploader{}
		artifact = filepath.Join(GinkgoT().TempDir(), "LAX-904991.pdf")
		Expect(os.WriteFile(artifact, []byte("%PDF-1.4 test"), 0o644)).To(Succeed())
	})

	It("should upload under the prefix", func() {
		m := NewS3MirrorWith(up, nil, Options{Bucket: "invoices", Prefix: "/exports/"})
		Expect(m.Upload(context.Background(), artifact, filepath.Join("2026", "ALG", "LAX-904991.pdf"))).To(Succeed())
		Expect(*up.input.Bucket).To(Equal("invoices"))
		Expect(*up.input.Key).To(Equal("exports/2026/ALG/LAX-904991.pdf"))
		Expect(*up.input.ContentType).To(Equal("application/pdf"))
		Expect(string(up.body)).To(Equal("%PDF-1.4 test"))
	})

	It("should seal the artifact when a password is set", func() {
		m := NewS3MirrorWith(up, nil, Options{Bucket: "invoices", Password: "s3cret"})
		Expect(m.Upload(context.Background(), artifact, "LAX-904991/LAX-904991.pdf")).To(Succeed())
		Expect(up.input.Metadata).To(HaveKeyWithValue("encryption-format", "GCM3NCR0"))
		plain, err := Open(up.body, "s3cret")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(plain)).To(Equal("%PDF-1.4 test"))
	})

	It("should surface upload errors", func() {
		up.err = errors.New("access denied")
		m := NewS3MirrorWith(up, nil, Options{Bucket: "invoices"})
		Expect(m.Upload(context.Background(), artifact, "a.pdf")).To(MatchError(ContainSubstring("access denied")))
	})

	It("should hold uploads back after a failure", func() {
		up.err = errors.New("connection reset")
		m := NewS3MirrorWith(up, nil, Options{Bucket: "invoices"})
		Expect(m.Upload(context.Background(), artifact, "a.pdf")).NotTo(Succeed())

		up.err, up.input = nil, nil
		Expect(m.Upload(context.Background(), artifact, "b.pdf")).To(MatchError(ErrPaused))
		Expect(up.input).To(BeNil())
	})

	It("should probe the bucket", func() {
		Expect(NewS3MirrorWith(up, fakeBucket{}, Options{Bucket: "b"}).Probe(context.Background())).To(Succeed())
		Expect(NewS3MirrorWith(up, fakeBucket{err: errors.New("403")}, Options{Bucket: "b"}).Probe(context.Background())).NotTo(Succeed())
		Expect(NewS3MirrorWith(up, nil, Options{Bucket: "b"}).Probe(context.Background())).NotTo(Succeed())
	})

	It("should require a bucket", func() {
		_, err := NewS3Mirror(context.Background(), Options{})
		Expect(err).To(MatchError(ErrNoBucket))
	})
})

var _ = Describe("Seal", func() {
	It("should reject the wrong password", func() {
		sealed, err := Seal([]byte("invoice"), "right")
		Expect(err).NotTo(HaveOccurred())
		_, err = Open(sealed, "wrong")
		Expect(err).To(MatchError(ContainSubstring("GCM decryption failed")))
	})

	It("should reject foreign data", func() {
		_, err := Open([]byte("3NCR0PTD-not-a-gcm-payload-at-all-xxxxxxxxxxxxxxxxxx"), "x")
		Expect(err).To(MatchError(ContainSubstring("unknown encryption format")))
		_, err = Open([]byte("short"), "x")
		Expect(err).To(HaveOccurred())
	})
})
