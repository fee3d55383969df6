package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/playback"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/workflow"
)

const maxFormMemory = 32 << 20

// listKeys accept comma separated form values.
var listKeys = map[string]bool{
	state.KeyProcessors:         true,
	state.KeyExecutionProviders: true,
}

// processHandler runs one interactive invocation over uploaded media and
// streams the result back.
func processHandler(cfg ServerConfig, mu *sync.Mutex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart form", "BAD_REQUEST")
			return
		}
		defer r.MultipartForm.RemoveAll()

		targets := r.MultipartForm.File["target"]
		if len(targets) != 1 {
			WriteError(w, http.StatusBadRequest, "exactly one target file is required", "BAD_REQUEST")
			return
		}

		requestID, _ := r.Context().Value(RequestIDKey).(string)
		log := logging.WithRequestID(cfg.Logger, requestID)

		dir := filepath.Join(cfg.TempPath, "requests", uuid.NewString())
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Error("failed to create request workspace", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to create workspace", "INTERNAL_ERROR")
			return
		}
		defer os.RemoveAll(dir)

		target, err := saveUpload(targets[0], filepath.Join(dir, "target"))
		if err != nil {
			log.Error("failed to store target", "error", err)
			WriteError(w, http.StatusBadRequest, "failed to read target", "BAD_REQUEST")
			return
		}
		var sources []string
		for i, fh := range r.MultipartForm.File["source"] {
			path, err := saveUpload(fh, filepath.Join(dir, fmt.Sprintf("source-%d", i)))
			if err != nil {
				log.Error("failed to store source", "error", err)
				WriteError(w, http.StatusBadRequest, "failed to read source", "BAD_REQUEST")
				return
			}
			sources = append(sources, path)
		}

		args := formArgs(r.MultipartForm.Value, cfg.Store.StepKeys())
		args[state.KeyTargetPath] = target
		args[state.KeySourcePaths] = sources
		output := filepath.Join(dir, "output"+filepath.Ext(target))
		args[state.KeyOutputPath] = output

		mu.Lock()
		ctx := state.WithExecutionContext(r.Context(), state.Interactive)
		code := cfg.Pipeline.Process(ctx, args)
		mu.Unlock()

		if code != workflow.CodeSuccess {
			log.Warn("processing request failed", "code", code)
			status, errCode := statusForCode(code)
			WriteError(w, status, "processing "+code.String(), errCode)
			return
		}

		f, err := os.Open(output)
		if err != nil {
			log.Error("output missing after processing", "error", err)
			WriteError(w, http.StatusInternalServerError, "output missing", "INTERNAL_ERROR")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", playback.ContentType(output))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			log.Warn("failed to stream output", "error", err)
		}
	}
}

func statusForCode(code workflow.ErrorCode) (int, string) {
	switch code {
	case workflow.CodeValidation:
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case workflow.CodeContentRejected:
		return http.StatusBadRequest, "CONTENT_REJECTED"
	case workflow.CodeStopped:
		return http.StatusConflict, "STOPPED"
	default:
		return http.StatusInternalServerError, "PROCESSING_ERROR"
	}
}

// formArgs keeps the form fields that name step keys. Paths are always
// set by the handler.
func formArgs(values map[string][]string, stepKeys []string) state.Args {
	allowed := map[string]bool{}
	for _, k := range stepKeys {
		allowed[k] = true
	}
	delete(allowed, state.KeyTargetPath)
	delete(allowed, state.KeySourcePaths)
	delete(allowed, state.KeyOutputPath)

	args := state.Args{}
	for key, vals := range values {
		if !allowed[key] || len(vals) == 0 {
			continue
		}
		if listKeys[key] {
			var list []string
			for _, v := range vals {
				for _, item := range strings.Split(v, ",") {
					if item = strings.TrimSpace(item); item != "" {
						list = append(list, item)
					}
				}
			}
			args[key] = list
			continue
		}
		args[key] = vals[len(vals)-1]
	}
	return args
}

// saveUpload writes fh under base, keeping the uploaded extension.
func saveUpload(fh *multipart.FileHeader, base string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := base + strings.ToLower(filepath.Ext(filepath.Base(fh.Filename)))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return path, dst.Close()
}

