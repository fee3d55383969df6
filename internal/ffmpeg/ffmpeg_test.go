package ffmpeg

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/framesmith/framesmith-agent/internal/process"
)

// fakeBinary writes an executable shell script standing in for ffmpeg.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_ReportsProgress(t *testing.T) {
	bin := fakeBinary(t, `printf 'frame=1\nfps=0.0\nframe=2\nframe=3\nprogress=end\n' >&2`)
	enc := New(Config{FFmpegPath: bin, PollInterval: 10 * time.Millisecond}, process.NewManager())

	var last atomic.Int32
	var calls atomic.Int32
	err := enc.Run(context.Background(), []string{"-i", "x"}, func(frame int) {
		calls.Add(1)
		last.Store(int32(frame))
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() != 3 || last.Load() != 3 {
		t.Errorf("progress calls = %d last = %d, want 3 and 3", calls.Load(), last.Load())
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	bin := fakeBinary(t, `echo "Invalid data found" >&2; exit 3`)
	enc := New(Config{FFmpegPath: bin, PollInterval: 10 * time.Millisecond}, nil)

	err := enc.Run(context.Background(), nil, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", exitErr.ExitCode)
	}
	if !strings.Contains(exitErr.StderrTail, "Invalid data found") {
		t.Errorf("StderrTail = %q", exitErr.StderrTail)
	}
}

func TestRun_TerminatedOnStop(t *testing.T) {
	bin := fakeBinary(t, `exec sleep 10`)
	proc := process.NewManager()
	if err := proc.Start(); err != nil {
		t.Fatal(err)
	}
	enc := New(Config{FFmpegPath: bin, PollInterval: 10 * time.Millisecond}, proc)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = proc.Stop()
	}()

	start := time.Now()
	err := enc.Run(context.Background(), nil, nil)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("encoder was awaited instead of terminated")
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"frame=12", 12, true},
		{"  frame= 7", 7, true},
		{"fps=30", 0, false},
		{"frame=N/A", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseFrame(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseFrame(%q) = %d, %v, want %d, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsProgressLine(t *testing.T) {
	if !isProgressLine("out_time_us=1000") {
		t.Error("progress key not recognised")
	}
	if isProgressLine("Error opening input: x") {
		t.Error("error line treated as progress")
	}
	if isProgressLine("[libx264 @ 0x1] crf=23 preset") {
		t.Error("log line with = treated as progress")
	}
}

func TestExtractFilter(t *testing.T) {
	tests := []struct {
		opts ExtractOptions
		want string
	}{
		{ExtractOptions{FPS: 25}, "fps=25"},
		{ExtractOptions{FPS: 29.97, TrimStart: 10, TrimEnd: 50}, "trim=start_frame=10:end_frame=50,fps=29.97"},
		{ExtractOptions{TrimStart: 5}, "trim=start_frame=5"},
		{ExtractOptions{TrimEnd: 5, FPS: 30}, "trim=end_frame=5,fps=30"},
		{ExtractOptions{}, "null"},
	}
	for _, tt := range tests {
		if got := extractFilter(tt.opts); got != tt.want {
			t.Errorf("extractFilter(%+v) = %q, want %q", tt.opts, got, tt.want)
		}
	}
}

func TestQualityArgs(t *testing.T) {
	tests := []struct {
		encoder string
		quality int
		want    []string
	}{
		{"libx264", 80, []string{"-crf", "10"}},
		{"libx264", 100, []string{"-crf", "0"}},
		{"libx265", 0, []string{"-crf", "51"}},
		{"libvpx-vp9", 100, []string{"-crf", "0"}},
		{"h264_nvenc", 80, []string{"-cq", "10"}},
		{"rawvideo", 80, nil},
	}
	for _, tt := range tests {
		if got := QualityArgs(tt.encoder, tt.quality); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("QualityArgs(%q, %d) = %v, want %v", tt.encoder, tt.quality, got, tt.want)
		}
	}
	if got := PresetArgs("h264_nvenc", "veryfast"); !reflect.DeepEqual(got, []string{"-preset", "p3"}) {
		t.Errorf("PresetArgs(nvenc) = %v", got)
	}
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{"streams":[
		{"codec_type":"video","width":1920,"height":1080,"r_frame_rate":"30000/1001","avg_frame_rate":"30000/1001","nb_frames":"300","duration":"10.01"},
		{"codec_type":"audio"}],
		"format":{"duration":"10.01"}}`)

	got, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if got.Resolution() != image.Pt(1920, 1080) || got.FrameCount != 300 || !got.HasAudio {
		t.Errorf("probe = %+v", got)
	}
	if got.FPS < 29.96 || got.FPS > 29.98 {
		t.Errorf("FPS = %v, want ~29.97", got.FPS)
	}

	noCount, err := parseProbe([]byte(`{"streams":[{"codec_type":"video","avg_frame_rate":"25/1"}],"format":{"duration":"2"}}`))
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if noCount.FrameCount != 50 {
		t.Errorf("derived FrameCount = %d, want 50", noCount.FrameCount)
	}

	if _, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio"}]}`)); err == nil {
		t.Error("parseProbe without video stream succeeded")
	}
}

func TestConcat_WritesListFile(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	listCopy := filepath.Join(dir, "list-copy.txt")
	// The fake copies the concat list (the arg after -i) before it is removed.
	bin := fakeBinary(t, `echo "$@" > `+argsFile+`
while [ $# -gt 0 ]; do
  if [ "$1" = "-i" ]; then cp "$2" `+listCopy+`; fi
  shift
done`)
	enc := New(Config{FFmpegPath: bin, PollInterval: 10 * time.Millisecond}, nil)

	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	if err := enc.Concat(context.Background(), filepath.Join(dir, "out.mp4"), []string{a, b}, filepath.Join(dir, "work")); err != nil {
		t.Fatalf("Concat() error = %v", err)
	}

	args, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(args), "-f concat -safe 0") {
		t.Errorf("args = %q", args)
	}
	list, err := os.ReadFile(listCopy)
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	want := "file '" + a + "'\nfile '" + b + "'\n"
	if string(list) != want {
		t.Errorf("list = %q, want %q", list, want)
	}
}
