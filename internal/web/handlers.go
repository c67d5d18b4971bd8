package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to disk.
const multipartMemory = 8 << 20

// maxJSONBody bounds the JSON body of a remote-source load request.
const maxJSONBody = 1 << 20

// loadBody is the JSON form of a load request. Source must be a remote URI;
// local files are only accepted as multipart uploads.
type loadBody struct {
	Source     string   `json:"source"`
	Fields     []string `json:"fields"`
	Delimiter  *string  `json:"delimiter"`
	Header     *bool    `json:"header"`
	Replace    *bool    `json:"replace"`
	RequireKey *bool    `json:"require_key"`
}

func (b loadBody) apply(req *core.Request) {
	if len(b.Fields) > 0 {
		req.Fields = b.Fields
	}
	if b.Delimiter != nil {
		req.Delimiter = *b.Delimiter
	}
	if b.Header != nil {
		req.HasHeader = *b.Header
	}
	if b.Replace != nil {
		req.ReplaceDuplicates = *b.Replace
	}
	if b.RequireKey != nil {
		req.RequireKey = *b.RequireKey
	}
}

// handleLoad runs one load into {table}. The file comes either as the
// "file" part of a multipart form, with options as form fields, or as a
// remote URI in a JSON body.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var req core.Request
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		path, cleanup, err := s.saveUpload(w, r)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		defer cleanup()

		req = s.service.NewRequest(table, path)
		if err := applyForm(&req, r); err != nil {
			badRequest(w, r, err.Error())
			return
		}
	} else {
		var body loadBody
		dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			badRequest(w, r, "invalid JSON body: "+err.Error())
			return
		}
		if !isRemote(body.Source) {
			badRequest(w, r, "source must be an s3://, gs:// or az:// URI; upload local files as multipart/form-data")
			return
		}
		req = s.service.NewRequest(table, body.Source)
		body.apply(&req)
	}

	res, err := s.service.Load(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// saveUpload copies the "file" part to a temp file, keeping the client's
// file name so compressed uploads are recognised.
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request) (string, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return "", nil, fmt.Errorf("file too large or invalid form")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		r.MultipartForm.RemoveAll()
		return "", nil, fmt.Errorf("no file provided")
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload.csv"
	}
	tmp, err := os.CreateTemp(s.cfg.Source.TempDir, "upload-*-"+name)
	if err != nil {
		r.MultipartForm.RemoveAll()
		return "", nil, fmt.Errorf("store upload: %w", err)
	}
	cleanup := func() {
		os.Remove(tmp.Name())
		r.MultipartForm.RemoveAll()
	}

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("store upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("store upload: %w", err)
	}

	logging.FromContext(r.Context()).Debug("upload stored", "file", name, "size", header.Size)
	return tmp.Name(), cleanup, nil
}

// applyForm reads load options from multipart form fields.
func applyForm(req *core.Request, r *http.Request) error {
	if v := r.FormValue("fields"); v != "" {
		req.Fields = splitList(v)
	}
	if v := r.FormValue("delimiter"); v != "" {
		req.Delimiter = v
	}
	for name, dst := range map[string]*bool{
		"header":      &req.HasHeader,
		"replace":     &req.ReplaceDuplicates,
		"require_key": &req.RequireKey,
	} {
		v := r.FormValue(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q", name, v)
		}
		*dst = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "s3", "gs", "az":
		return true
	}
	return false
}

// handleKeys reports the reconciliation key for ?fields=a,b,c (all columns
// when omitted).
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	report, err := s.service.Keys(r.Context(), table, splitList(r.URL.Query().Get("fields")))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type healthResponse struct {
	Status string             `json:"status"`
	Error  string             `json:"error,omitempty"`
	Loads  core.LimiterStatus `json:"loads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Loads: s.service.Limiter().Status()}
	if err := s.service.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = core.MapError(err).Message
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusOK, []core.JobStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.Status())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.jobs == nil {
		respondError(w, r, fmt.Errorf("%w %q", core.ErrUnknownJob, name))
		return
	}
	res, err := s.jobs.RunNow(r.Context(), name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
