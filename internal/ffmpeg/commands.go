package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// ExtractOptions controls frame extraction.
type ExtractOptions struct {
	Resolution image.Point
	FPS        float64
	TrimStart  int
	TrimEnd    int
}

// ExtractFrames writes every frame of target into framePattern, numbered
// from 1 with zero padding (e.g. dir/%08d.png).
func (e *Encoder) ExtractFrames(ctx context.Context, target, framePattern string, opts ExtractOptions, progress Progress) error {
	if err := os.MkdirAll(filepath.Dir(framePattern), 0o755); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	args := []string{"-i", target}
	if opts.Resolution.X > 0 && opts.Resolution.Y > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", opts.Resolution.X, opts.Resolution.Y))
	}
	args = append(args, "-q:v", "0", "-vf", extractFilter(opts), "-vsync", "0", framePattern)
	return e.Run(ctx, args, progress)
}

func extractFilter(opts ExtractOptions) string {
	var filters []string
	switch {
	case opts.TrimStart > 0 && opts.TrimEnd > 0:
		filters = append(filters, fmt.Sprintf("trim=start_frame=%d:end_frame=%d", opts.TrimStart, opts.TrimEnd))
	case opts.TrimStart > 0:
		filters = append(filters, fmt.Sprintf("trim=start_frame=%d", opts.TrimStart))
	case opts.TrimEnd > 0:
		filters = append(filters, fmt.Sprintf("trim=end_frame=%d", opts.TrimEnd))
	}
	if opts.FPS > 0 {
		filters = append(filters, "fps="+formatFPS(opts.FPS))
	}
	if len(filters) == 0 {
		return "null"
	}
	return strings.Join(filters, ",")
}

// MergeOptions controls how processed frames are encoded back to video.
type MergeOptions struct {
	FPS        float64 // rate the frames were extracted at
	OutputFPS  float64
	Encoder    string
	Preset     string
	Quality    int
	Resolution image.Point
}

// MergeVideo encodes the frames matching framePattern into output.
func (e *Encoder) MergeVideo(ctx context.Context, framePattern, output string, opts MergeOptions, progress Progress) error {
	fps := opts.FPS
	if fps <= 0 {
		fps = 25
	}
	outFPS := opts.OutputFPS
	if outFPS <= 0 {
		outFPS = fps
	}
	encoder := opts.Encoder
	if encoder == "" {
		encoder = "libx264"
	}

	args := []string{"-r", formatFPS(fps), "-i", framePattern}
	if opts.Resolution.X > 0 && opts.Resolution.Y > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", opts.Resolution.X, opts.Resolution.Y))
	}
	args = append(args, "-c:v", encoder)
	args = append(args, QualityArgs(encoder, opts.Quality)...)
	args = append(args, PresetArgs(encoder, opts.Preset)...)
	args = append(args,
		"-vf", "framerate=fps="+formatFPS(outFPS),
		"-pix_fmt", "yuv420p",
		"-colorspace", "bt709",
		"-y", output,
	)
	return e.Run(ctx, args, progress)
}

// QualityArgs maps a 0..100 quality to the encoder's rate control flag.
func QualityArgs(encoder string, quality int) []string {
	quality = max(0, min(100, quality))
	switch encoder {
	case "libx264", "libx265":
		return []string{"-crf", strconv.Itoa(int(math.Round(51 - float64(quality)*0.51)))}
	case "libvpx-vp9":
		return []string{"-crf", strconv.Itoa(int(math.Round(63 - float64(quality)*0.63)))}
	case "h264_nvenc", "hevc_nvenc":
		return []string{"-cq", strconv.Itoa(int(math.Round(51 - float64(quality)*0.51)))}
	case "h264_amf", "hevc_amf":
		q := strconv.Itoa(int(math.Round(51 - float64(quality)*0.51)))
		return []string{"-qp_i", q, "-qp_p", q, "-quality", "speed"}
	default:
		return nil
	}
}

var nvencPresets = map[string]string{
	"ultrafast": "p1", "superfast": "p2", "veryfast": "p3", "faster": "p4",
	"fast": "p5", "medium": "p5", "slow": "p6", "slower": "p7", "veryslow": "p7",
}

// PresetArgs maps an x264 style preset to the encoder's flag.
func PresetArgs(encoder, preset string) []string {
	if preset == "" {
		return nil
	}
	switch encoder {
	case "libx264", "libx265":
		return []string{"-preset", preset}
	case "h264_nvenc", "hevc_nvenc":
		if p, ok := nvencPresets[preset]; ok {
			return []string{"-preset", p}
		}
	}
	return nil
}

// RestoreAudio muxes the audio of target onto video, honouring the trim
// window expressed in frames at fps.
func (e *Encoder) RestoreAudio(ctx context.Context, target, video, output string, fps float64, trimStart, trimEnd int) error {
	args := []string{"-i", video}
	if fps > 0 && trimStart > 0 {
		args = append(args, "-ss", formatSeconds(float64(trimStart)/fps))
	}
	if fps > 0 && trimEnd > 0 {
		args = append(args, "-to", formatSeconds(float64(trimEnd)/fps))
	}
	args = append(args,
		"-i", target,
		"-c:v", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		"-y", output,
	)
	return e.Run(ctx, args, nil)
}

// Concat joins videos in order into output without re-encoding.
func (e *Encoder) Concat(ctx context.Context, output string, inputs []string, workDir string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create concat dir: %w", err)
	}
	list, err := os.CreateTemp(workDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			list.Close()
			return err
		}
		fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	return e.Run(ctx, []string{"-f", "concat", "-safe", "0", "-i", list.Name(), "-c", "copy", "-y", output}, nil)
}

// ReadVideoFrame decodes the frame at index frameNumber (zero based).
func (e *Encoder) ReadVideoFrame(ctx context.Context, video string, frameNumber int) (image.Image, error) {
	out, err := e.output(ctx, e.cfg.FFmpegPath,
		"-loglevel", "error",
		"-i", video,
		"-vf", fmt.Sprintf(`select=eq(n\,%d)`, max(frameNumber, 0)),
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, fmt.Errorf("read frame %d: %w", frameNumber, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("read frame %d: no frame decoded", frameNumber)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", frameNumber, err)
	}
	return img, nil
}

// ProbeResult describes the first video stream of a file.
type ProbeResult struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
	Duration   float64
	HasAudio   bool
}

func (p ProbeResult) Resolution() image.Point { return image.Pt(p.Width, p.Height) }

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads stream metadata with ffprobe.
func (e *Encoder) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := e.output(ctx, e.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height,r_frame_rate,avg_frame_rate,nb_frames,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	foundVideo := false
	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			result.Width = s.Width
			result.Height = s.Height
			result.FPS = parseRate(s.AvgFrameRate)
			if result.FPS == 0 {
				result.FPS = parseRate(s.RFrameRate)
			}
			result.FrameCount, _ = strconv.Atoi(s.NbFrames)
			result.Duration, _ = strconv.ParseFloat(s.Duration, 64)
		case "audio":
			result.HasAudio = true
		}
	}
	if !foundVideo {
		return nil, fmt.Errorf("no video stream")
	}
	if result.Duration == 0 {
		result.Duration, _ = strconv.ParseFloat(po.Format.Duration, 64)
	}
	if result.FrameCount == 0 && result.FPS > 0 && result.Duration > 0 {
		result.FrameCount = int(math.Floor(result.Duration * result.FPS))
	}
	return result, nil
}

func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
