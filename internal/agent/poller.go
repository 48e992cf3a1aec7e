package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infermesh/infermesh/internal/auth"
	"github.com/infermesh/infermesh/internal/protocol"
)

// pollLoop is the pull-only mode: heartbeat and poll over signed HTTP.
// Used behind NATs and firewalls where the socket cannot be held open.
func (a *Agent) pollLoop() {
	defer a.wg.Done()

	client := &http.Client{Timeout: 30 * time.Second}
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(a.config.PollInterval)
	defer pollTicker.Stop()

	// Announce before the first poll so dispatch sees the node as live.
	a.sendHeartbeat(client)

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-heartbeatTicker.C:
			a.sendHeartbeat(client)
		case <-pollTicker.C:
			job, ok := a.poll(client)
			if !ok {
				continue
			}
			a.runPulledJob(client, job)
		}
	}
}

// signedDo issues a signed request and decodes the response into out.
func (a *Agent) signedDo(client *http.Client, method, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(a.ctx, method, a.config.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	auth.SignRequest(req, a.config.NodeID, []byte(a.config.Secret), body)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func (a *Agent) sendHeartbeat(client *http.Client) {
	body, err := json.Marshal(protocol.HeartbeatRequest{
		Models:  a.config.Models,
		Ready:   true,
		Region:  a.config.Region,
		Runtime: a.config.Runtime,
	})
	if err != nil {
		return
	}
	code, err := a.signedDo(client, http.MethodPost, "/nodes/heartbeat", body, nil)
	if err != nil {
		a.log.Warn("heartbeat failed", "error", err)
		return
	}
	if code != http.StatusOK {
		a.log.Warn("heartbeat rejected", "status", code)
	}
}

func (a *Agent) poll(client *http.Client) (protocol.PollResponse, bool) {
	var job protocol.PollResponse
	code, err := a.signedDo(client, http.MethodGet, "/inference/poll", nil, &job)
	if err != nil {
		a.log.Warn("poll failed", "error", err)
		return job, false
	}
	switch code {
	case http.StatusOK:
		return job, true
	case http.StatusNoContent:
		return job, false
	default:
		a.log.Warn("poll rejected", "status", code)
		return job, false
	}
}

// runPulledJob streams the completion back as signed delta frames, one per
// runtime chunk, with seq and offset so retries stay idempotent.
func (a *Agent) runPulledJob(client *http.Client, job protocol.PollResponse) {
	a.log.Info("job claimed", "job_id", job.ID, "model", job.Model)
	start := time.Now()

	var (
		seq    int64
		offset int
		full   strings.Builder
	)

	sendFrame := func(req protocol.StreamRequest) error {
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		for attempt := 0; attempt < 3; attempt++ {
			var ack struct {
				OK       bool `json:"ok"`
				Offset   int  `json:"offset"`
				Expected *int `json:"expected"`
			}
			code, err := a.signedDo(client, http.MethodPost, "/inference/stream", body, &ack)
			if err != nil {
				a.log.Warn("stream frame failed, retrying", "job_id", job.ID, "error", err)
				time.Sleep(time.Second)
				continue
			}
			switch code {
			case http.StatusOK:
				offset = ack.Offset
				return nil
			case http.StatusConflict:
				if ack.Expected != nil {
					// Resynchronize at the server's committed offset.
					offset = *ack.Expected
				}
				return fmt.Errorf("offset mismatch")
			default:
				return fmt.Errorf("stream frame rejected: %d", code)
			}
		}
		return fmt.Errorf("stream frame exhausted retries")
	}

	err := a.runtime.Chat(a.ctx, job.Model, job.Messages, func(token, reasoning string, done bool) error {
		if reasoning != "" {
			frameSeq := seq
			seq++
			r := reasoning
			if err := sendFrame(protocol.StreamRequest{
				ID:          job.ID,
				Seq:         &frameSeq,
				Delta:       &r,
				ContentType: protocol.ContentReasoning,
			}); err != nil {
				return err
			}
		}
		if token == "" && !done {
			return nil
		}
		full.WriteString(token)
		frameSeq := seq
		seq++
		frameOffset := offset
		tok := token
		return sendFrame(protocol.StreamRequest{
			ID:     job.ID,
			Seq:    &frameSeq,
			Offset: &frameOffset,
			Delta:  &tok,
			Done:   done,
		})
	})
	if err != nil {
		a.log.Error("job failed", "job_id", job.ID, "error", err)
		body, _ := json.Marshal(protocol.CompleteRequest{
			ID:     job.ID,
			Status: "failed",
			Error:  err.Error(),
		})
		_, _ = a.signedDo(client, http.MethodPost, "/inference/complete", body, nil)
		return
	}

	a.log.Info("job completed", "job_id", job.ID, "chars", full.Len(), "duration", time.Since(start).Round(time.Millisecond))
}
