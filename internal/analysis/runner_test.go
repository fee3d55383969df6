package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/framesmith/framesmith-agent/internal/faces"
)

func TestRunResult_IsSuccess(t *testing.T) {
	tests := []struct {
		exitCode int
		want     bool
	}{
		{0, true},
		{1, false},
		{-1, false},
		{127, false},
	}
	for _, tt := range tests {
		r := RunResult{ExitCode: tt.exitCode}
		if got := r.IsSuccess(); got != tt.want {
			t.Errorf("RunResult{ExitCode: %d}.IsSuccess() = %v, want %v", tt.exitCode, got, tt.want)
		}
	}
}

func TestHelperOutput_RequiredFieldsPresent(t *testing.T) {
	tests := []struct {
		name string
		out  HelperOutput
		want bool
	}{
		{"all present", HelperOutput{"1.0", "0.3.0", "nsfw-2"}, true},
		{"missing schema", HelperOutput{"", "0.3.0", "nsfw-2"}, false},
		{"missing helper", HelperOutput{"1.0", "", "nsfw-2"}, false},
		{"missing model", HelperOutput{"1.0", "0.3.0", ""}, false},
		{"all empty", HelperOutput{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.RequiredFieldsPresent(); got != tt.want {
				t.Errorf("RequiredFieldsPresent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("after short write got %q, want %q", buf.String(), "hello")
	}

	lw.Write([]byte(" world of test data"))
	if got, want := buf.String(), " test data"; got != want {
		t.Errorf("after overflow got %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "...world"},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestResolvePython_PreferredNotFound(t *testing.T) {
	if _, err := resolvePython("/nonexistent/python999"); err == nil {
		t.Fatal("expected error for nonexistent python")
	}
}

func TestDeriveCapabilities(t *testing.T) {
	caps := Capabilities{
		Dependencies: map[string]DepInfo{
			"cv2":         {Available: true},
			"onnxruntime": {Available: true},
		},
		Executables: map[string]DepInfo{"ffmpeg": {Available: true}},
		Helpers:     HelpersInfo{Content: true, Faces: false},
	}
	deriveCapabilities(&caps)

	if !caps.HasContentCheck {
		t.Error("HasContentCheck = false, want true")
	}
	if caps.HasFaces {
		t.Error("HasFaces = true while helper reports faces unavailable")
	}
	if !caps.HasEncoder {
		t.Error("HasEncoder = false, want true")
	}
	if caps.ProbedAt.IsZero() {
		t.Error("ProbedAt not set")
	}
}

func TestReadOutput_Faces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faces.json")
	body := `{"schema_version":"1","helper_version":"0.3.0","model_version":"scrfd",
		"faces":[{"box":[1,2,11,12],"landmarks":[[3,4]],"embedding":[0.1,0.2],"score":0.9}]}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	r := &SubprocessRunner{cfg: Config{WorkDir: dir}}
	var out faceOutput
	if err := r.readOutput(path, &out, &out.HelperOutput); err != nil {
		t.Fatalf("readOutput() error = %v", err)
	}
	if len(out.Faces) != 1 {
		t.Fatalf("faces = %d, want 1", len(out.Faces))
	}
	f := out.Faces[0].toFace()
	if f.Box != image.Rect(1, 2, 11, 12) || f.Landmarks[0] != image.Pt(3, 4) {
		t.Errorf("face = %+v", f)
	}
}

func TestReadOutput_MissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.json")
	b, _ := json.Marshal(map[string]any{"schema_version": "1", "flagged": true})
	os.WriteFile(path, b, 0644)

	r := &SubprocessRunner{cfg: Config{WorkDir: dir}}
	var v Verdict
	if err := r.readOutput(path, &v, &v.HelperOutput); err == nil {
		t.Fatal("expected error for missing fields")
	}
}

func TestCachedDoctor_TTL(t *testing.T) {
	calls := 0
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			calls++
			return &Capabilities{HasFaces: true, ProbedAt: time.Now()}, nil
		},
	}

	doc := NewCachedDoctor(fake, nil)
	doc.ttl = 100 * time.Millisecond
	ctx := context.Background()

	caps1, err := doc.Get(ctx)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	caps2, _ := doc.Get(ctx)
	if caps2.ProbedAt != caps1.ProbedAt || calls != 1 {
		t.Errorf("expected cached result, calls = %d", calls)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := doc.Get(ctx); err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls after TTL expiry, got %d", calls)
	}
}

func TestCachedDoctor_StaleOnFailure(t *testing.T) {
	fail := false
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			if fail {
				return nil, errors.New("python crashed")
			}
			return &Capabilities{HasFaces: true, ProbedAt: time.Now()}, nil
		},
	}
	doc := NewCachedDoctor(fake, nil)
	if _, err := doc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	fail = true
	caps, err := doc.Refresh(context.Background())
	if err != nil || !caps.HasFaces {
		t.Errorf("Refresh() = %v, %v, want stale capabilities", caps, err)
	}

	if _, err := NewCachedDoctor(fake, nil).Refresh(context.Background()); err == nil {
		t.Error("Refresh() with no cache and failing doctor succeeded")
	}
	if NewCachedDoctor(nil, nil).Supports(context.Background(), FaceDetection) {
		t.Error("doctor without a helper reports support")
	}
}

func TestCachedDoctor_DistrustRefreshes(t *testing.T) {
	calls := 0
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			calls++
			return &Capabilities{HasContentCheck: true, ProbedAt: time.Now()}, nil
		},
		contentErr: errors.New("onnxruntime missing"),
	}
	doc := NewCachedDoctor(fake, nil)
	gate := NewContentGate(fake, doc, nil)
	ctx := context.Background()

	if _, err := gate.Allowed(ctx, "x.png"); err == nil {
		t.Fatal("helper failure not surfaced")
	}
	if calls != 1 {
		t.Fatalf("doctor calls = %d, want 1", calls)
	}
	if doc.Peek() == nil {
		t.Error("Peek() = nil, the last report should survive a failure")
	}
	if !doc.Supports(ctx, ContentCheck) {
		t.Error("Supports() = false after refresh")
	}
	if calls != 2 {
		t.Errorf("doctor calls = %d, want a refresh after the failure", calls)
	}
	if !doc.Supports(ctx, ContentCheck) || calls != 2 {
		t.Errorf("fresh report not reused, calls = %d", calls)
	}
}

func TestContentGate(t *testing.T) {
	ctx := context.Background()

	if ok, err := NewContentGate(nil, nil, nil).Allowed(ctx, "x.png"); !ok || err != nil {
		t.Errorf("nil runner Allowed() = %v, %v, want true, nil", ok, err)
	}

	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			return &Capabilities{HasContentCheck: true, ProbedAt: time.Now()}, nil
		},
		verdict: &Verdict{Flagged: true, Score: 0.97},
	}
	gate := NewContentGate(fake, NewCachedDoctor(fake, nil), nil)
	if ok, err := gate.Allowed(ctx, "x.png"); ok || err != nil {
		t.Errorf("flagged Allowed() = %v, %v, want false, nil", ok, err)
	}

	fake.verdict = &Verdict{Flagged: false}
	if ok, _ := gate.Allowed(ctx, "x.png"); !ok {
		t.Error("clean content rejected")
	}

	fake.contentErr = errors.New("boom")
	if _, err := gate.Allowed(ctx, "x.png"); err == nil {
		t.Error("helper failure not surfaced")
	}
}

func TestDetector_FallsBackWithoutFaces(t *testing.T) {
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			return &Capabilities{ProbedAt: time.Now()}, nil
		},
	}
	d := Detector(context.Background(), fake, NewCachedDoctor(fake, nil), t.TempDir(), nil)
	if _, ok := d.(faces.NopDetector); !ok {
		t.Errorf("Detector() = %T, want NopDetector", d)
	}
}

func TestHelperDetector_WritesAndRemovesFrame(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeRunner{faces: []faces.Face{{Score: 0.8}}}
	d := NewHelperDetector(fake, nil, dir)

	got, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("faces = %d, want 1", len(got))
	}
	if fake.lastImage == "" {
		t.Fatal("runner never saw an image path")
	}
	if _, err := os.Stat(fake.lastImage); !os.IsNotExist(err) {
		t.Error("scratch frame not removed")
	}
}

type fakeRunner struct {
	doctorFn   func(ctx context.Context) (*Capabilities, error)
	verdict    *Verdict
	contentErr error
	faces      []faces.Face
	lastImage  string
}

func (f *fakeRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return f.doctorFn(ctx)
}

func (f *fakeRunner) CheckContent(ctx context.Context, mediaPath string) (*Verdict, error) {
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	return f.verdict, nil
}

func (f *fakeRunner) DetectFaces(ctx context.Context, imagePath string) ([]faces.Face, error) {
	f.lastImage = imagePath
	if _, err := os.Stat(imagePath); err != nil {
		return nil, err
	}
	return f.faces, nil
}
