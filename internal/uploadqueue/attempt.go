package uploadqueue

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/yokitheyo/qms-uploader/internal/model"
)

// permanent is implemented by transport errors that cannot succeed on
// retry, such as a rejected file type.
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

var errStale = errors.New("attempt superseded")

// run executes one attempt. A panic in the transport or poller fails the
// attempt instead of leaving its slot held forever.
func (m *Manager) run(a attempt) {
	var pc panics.Catcher
	pc.Try(func() { m.execute(a) })
	if r := pc.Recovered(); r != nil {
		a.logger.Error("upload attempt panicked", "panic", r.Value, "stack", string(r.Stack))
		m.onFailed(a, r.AsError(), false)
	}
}

func (m *Manager) execute(a attempt) {
	receipt, err := m.transport.Upload(a.ctx, a.file, func(p int) { m.onUploadProgress(a, p) })
	if err != nil {
		m.onFailed(a, err, isPermanent(err))
		return
	}
	if receipt == nil || receipt.TaskID == "" {
		m.onFailed(a, errors.New("backend accepted the upload without a task id"), false)
		return
	}
	if !m.onUploaded(a, receipt) {
		return
	}

	status, err := m.poll(a, receipt.TaskID)
	switch {
	case errors.Is(err, errStale):
		return
	case err != nil:
		m.onFailed(a, err, false)
	default:
		m.onCompleted(a, status)
	}
}

// poll queries the task status until it is terminal, the attempt is
// abandoned or ProcessingTimeout elapses. A failed poll request counts as a
// failed task.
func (m *Manager) poll(a attempt, taskID string) (*model.TaskStatus, error) {
	ctx, cancel := context.WithTimeout(a.ctx, m.processingTimeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		status, err := m.poller.GetStatus(ctx, taskID)
		if err != nil {
			if timedOut(a.ctx, ctx) {
				return nil, ErrProcessingTimeout
			}
			return nil, err
		}

		switch status.Status {
		case model.RemoteCompleted:
			return status, nil
		case model.RemoteFailed:
			if status.ErrorMessage != "" {
				return nil, errors.New(status.ErrorMessage)
			}
			return nil, errors.New(msgProcessFailed)
		}

		if !m.onProcessing(a, status) {
			return nil, errStale
		}

		select {
		case <-ctx.Done():
			if timedOut(a.ctx, ctx) {
				return nil, ErrProcessingTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func timedOut(parent, ctx context.Context) bool {
	return parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}
