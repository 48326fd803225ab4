package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const progressRequestTimeout = 10 * time.Second

type progressReport struct {
	Endpoint        string `json:"endpoint"`
	DownloadedBytes int64  `json:"downloadedBytes"`
}

// progressReporter posts download progress back to the sharing peer.
// Intermediate reports are throttled and coalesced; the final report is always sent.
type progressReporter struct {
	client   *http.Client
	url      string
	endpoint string
	onError  func(error)

	limiter rate.Sometimes
	pending chan int64
	done    chan struct{}
}

func newProgressReporter(client *http.Client, url, endpoint string, interval time.Duration, onError func(error)) *progressReporter {
	p := &progressReporter{
		client:   client,
		url:      url,
		endpoint: endpoint,
		onError:  onError,
		limiter:  rate.Sometimes{Interval: interval},
		pending:  make(chan int64, 1),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *progressReporter) loop() {
	defer close(p.done)
	for downloaded := range p.pending {
		p.post(downloaded)
	}
}

// report queues downloaded if the interval has elapsed. It reports whether it did.
func (p *progressReporter) report(downloaded int64) bool {
	fired := false
	p.limiter.Do(func() {
		fired = true
		select {
		case p.pending <- downloaded:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
		select {
		case p.pending <- downloaded:
		default:
		}
	})
	return fired
}

// finish drains queued reports and sends downloaded synchronously.
func (p *progressReporter) finish(downloaded int64) {
	close(p.pending)
	<-p.done
	p.post(downloaded)
}

// stop drains queued reports without a final one.
func (p *progressReporter) stop() {
	close(p.pending)
	<-p.done
}

func (p *progressReporter) post(downloaded int64) {
	if p.url == "" {
		return
	}
	body, err := json.Marshal(progressReport{Endpoint: p.endpoint, DownloadedBytes: downloaded})
	if err != nil {
		p.fail(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), progressRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		p.fail(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.fail(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}
}

func (p *progressReporter) fail(err error) {
	if p.onError != nil {
		p.onError(fmt.Errorf("report progress for %s: %w", p.endpoint, err))
	}
}
