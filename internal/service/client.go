package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yokitheyo/qms-uploader/internal/logging"
	"github.com/yokitheyo/qms-uploader/internal/model"
)

const maxErrorBody = 64 * 1024

// HTTPError is a rejected request, either by HTTP status or by the
// business code of the response envelope.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether repeating the same request cannot succeed:
// client errors other than timeouts and rate limiting.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout &&
		e.StatusCode != http.StatusTooManyRequests
}

// LocalFileError is a file that could not be read from local disk. Sending
// it again cannot succeed until the file is restored.
type LocalFileError struct {
	Name string
	Err  error
}

func (e *LocalFileError) Error() string { return fmt.Sprintf("open %s: %v", e.Name, e.Err) }
func (e *LocalFileError) Unwrap() error { return e.Err }
func (e *LocalFileError) Permanent() bool { return true }

// Client talks to the QMS-Nexus backend: it uploads files and reports the
// processing status of the resulting tasks.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Upload streams the file as multipart field "file" to POST /upload.
// onProgress receives the sent percentage, only when it grows.
func (c *Client) Upload(ctx context.Context, file model.FileRef, onProgress func(int)) (*model.UploadReceipt, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, &LocalFileError{Name: file.Name, Err: err}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		part, err := mw.CreatePart(filePartHeader(file))
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: f, total: file.Size, onProgress: onProgress})
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var wt wireTask
	if err := c.do(req, &wt); err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	if wt.id() == "" {
		return nil, fmt.Errorf("upload %s: response carries no task id", file.Name)
	}

	return &model.UploadReceipt{
		TaskID:   wt.id(),
		Filename: wt.Filename,
		Status:   normalizeState(wt.Status),
	}, nil
}

// GetStatus fetches GET /upload/status/{taskID}.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*model.TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/upload/status/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}

	var wt wireTask
	if err := c.do(req, &wt); err != nil {
		return nil, fmt.Errorf("status %s: %w", taskID, err)
	}

	status := wt.toStatus()
	if status.TaskID == "" {
		status.TaskID = taskID
	}
	return status, nil
}

func (c *Client) do(req *http.Request, out *wireTask) error {
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return decodeEnvelope(body, out)
}

// envelope is the {code, message, data} wrapper used by the API gateway.
// Bare payloads are accepted too.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(body []byte, out *wireTask) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code == nil {
		return json.Unmarshal(body, out)
	}
	if *env.Code != 0 && *env.Code != http.StatusOK {
		return &HTTPError{StatusCode: *env.Code, Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.New("decode response: empty data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if payload.Message != "" {
		return payload.Message
	}
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		return detail
	}
	return strings.TrimSpace(string(payload.Detail))
}

// wireTask accepts both the snake_case fields of the backend and the
// camelCase fields of the gateway envelope.
type wireTask struct {
	TaskID             string      `json:"task_id"`
	TaskIDCamel        string      `json:"taskId"`
	Status             string      `json:"status"`
	Filename           string      `json:"filename"`
	Progress           int         `json:"progress"`
	CurrentStep        string      `json:"current_step"`
	CurrentStepCamel   string      `json:"currentStep"`
	EstimatedTime      int         `json:"estimated_time"`
	EstimatedTimeCamel int         `json:"estimatedTime"`
	ErrorMessage       string      `json:"error_message"`
	ErrorMessageCamel  string      `json:"errorMessage"`
	Result             *wireResult `json:"result"`
}

type wireResult struct {
	DocumentID       string  `json:"document_id"`
	DocumentIDCamel  string  `json:"documentId"`
	ChunksCount      int     `json:"chunks_count"`
	ChunksCountCamel int     `json:"chunksCount"`
	ParseTime        float64 `json:"parse_time"`
	ParseTimeCamel   float64 `json:"parseTime"`
}

func (w *wireTask) id() string {
	return firstNonEmpty(w.TaskID, w.TaskIDCamel)
}

func (w *wireTask) toStatus() *model.TaskStatus {
	status := &model.TaskStatus{
		TaskID:        w.id(),
		Status:        normalizeState(w.Status),
		Filename:      w.Filename,
		Progress:      clampPercent(w.Progress),
		CurrentStep:   firstNonEmpty(w.CurrentStep, w.CurrentStepCamel),
		EstimatedTime: max(w.EstimatedTime, w.EstimatedTimeCamel),
		ErrorMessage:  firstNonEmpty(w.ErrorMessage, w.ErrorMessageCamel),
	}
	if r := w.Result; r != nil {
		status.Result = &model.ProcessResult{
			DocumentID:  firstNonEmpty(r.DocumentID, r.DocumentIDCamel),
			ChunksCount: max(r.ChunksCount, r.ChunksCountCamel),
			ParseTime:   max(r.ParseTime, r.ParseTimeCamel),
		}
	}
	return status
}

func normalizeState(s string) model.RemoteState {
	for _, st := range []model.RemoteState{model.RemotePending, model.RemoteProcessing, model.RemoteCompleted, model.RemoteFailed} {
		if strings.EqualFold(s, string(st)) {
			return st
		}
	}
	return model.RemoteState(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(file model.FileRef) textproto.MIMEHeader {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(file.Name)))
	h.Set("Content-Type", contentType)
	return h
}

type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	last       int
	onProgress func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.onProgress != nil && p.total > 0 && n > 0 {
		pct := clampPercent(int(p.read * 100 / p.total))
		if pct > p.last {
			p.last = pct
			p.onProgress(pct)
		}
	}
	return n, err
}
