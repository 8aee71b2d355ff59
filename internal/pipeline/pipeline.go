// Package pipeline implements the Request Pipeline (C6): HTTP acceptance,
// relay request construction, streaming-strategy selection, and response
// finalisation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/relaypilot/aistudio-proxy/internal/multiplexer"
	"github.com/relaypilot/aistudio-proxy/internal/relay"
	"github.com/relaypilot/aistudio-proxy/internal/rotation"
	"github.com/relaypilot/aistudio-proxy/internal/settings"
	"github.com/relaypilot/aistudio-proxy/internal/translator"
	"github.com/relaypilot/aistudio-proxy/internal/util"
)

const (
	interChunkTimeout = 30 * time.Second
	wholeBodyTimeout  = 300 * time.Second
	generalTimeout    = 600 * time.Second

	// ModelsTimeout bounds the /v1beta/models aggregation fetch, which is a
	// single small buffered call and should fail fast rather than wait out
	// wholeBodyTimeout.
	ModelsTimeout = 60 * time.Second
)

// browserSession is the C5 boundary; deliberately the same shape as
// browser.Session so the pipeline never has to import a concrete driver.
type browserSession interface {
	SwitchTo(ctx context.Context, index int) error
}

// Pipeline wires the Relay Channel, Request Multiplexer, Rotation
// Controller and Browser Session together into the accept/stream/finalise
// lifecycle described for C6.
type Pipeline struct {
	channel    *relay.Channel
	mux        *multiplexer.Multiplexer
	rotation   *rotation.Controller
	session    browserSession
	settings   *settings.Settings
	maxRetries int
	retryDelay time.Duration
}

// New constructs a Pipeline with the documented default retry policy (one
// retry, 2s delay). Use SetRetryPolicy to override it from Configuration.
func New(channel *relay.Channel, mux *multiplexer.Multiplexer, rc *rotation.Controller, session browserSession, st *settings.Settings) *Pipeline {
	return &Pipeline{channel: channel, mux: mux, rotation: rc, session: session, settings: st, maxRetries: 1, retryDelay: 2 * time.Second}
}

// SetRetryPolicy overrides the pseudo-stream retry count and delay used by
// Forward's pseudo-streaming path; FetchBuffered does not retry. Intended to
// be called once at startup from the loaded Configuration.
func (p *Pipeline) SetRetryPolicy(maxRetries int, retryDelay time.Duration) {
	p.maxRetries = maxRetries
	p.retryDelay = retryDelay
}

// DialectHooks customises how relay responses are re-emitted: nil fields
// mean "forward the Google dialect verbatim" (the passthrough surface);
// non-nil fields translate to the OpenAI dialect at the response boundary.
type DialectHooks struct {
	ChunkTransform func(requestID string, raw []byte) (out []byte, ok bool)
	BodyTransform  func(requestID string, body []byte) ([]byte, error)
}

// dialectHooks is kept as an internal alias so the rest of this file's
// lower-case references keep working after the export.
type dialectHooks = DialectHooks

// Forward runs the full C6 lifecycle for one HTTP request: accept gate,
// auto-recovery, request-id minting, strategy selection, dispatch, and
// finalisation. method/path/headers/query/body describe the relay request
// to send; isGenerative controls usage-based rotation accounting.
func (p *Pipeline) Forward(c *gin.Context, method, path string, headers, query map[string]string, body []byte, isGenerative bool, hooks dialectHooks) {
	ctx := c.Request.Context()

	if err := p.rotation.Accept(); err != nil {
		writeServiceUnavailable(c, err)
		return
	}
	accepted := true
	finalize := func() {
		if accepted {
			accepted = false
			p.rotation.Finish(context.Background())
		}
	}
	defer finalize()

	if !p.channel.IsConnected() && !p.rotation.IsSystemBusy() {
		p.rotation.SetSystemBusy(true)
		err := p.session.SwitchTo(ctx, p.rotation.CurrentIndex())
		p.rotation.SetSystemBusy(false)
		if err != nil {
			log.Warnf("pipeline: auto-recovery switchTo(%d) failed: %v", p.rotation.CurrentIndex(), err)
		}
	}
	if !p.channel.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not connected"})
		return
	}

	if isGenerative {
		p.rotation.RecordGenerativeUsage()
	}

	wantsStream := clientWantsStream(path, c.Request.Header.Get("Accept"))
	streamingMode := relay.StreamingFake
	if wantsStream && p.settings.StreamingMode() == settings.Real {
		streamingMode = relay.StreamingReal
	}

	limit, enableResume := p.settings.ResumeConfig()
	reqTemplate := relay.Request{
		Method:            method,
		Path:              path,
		Headers:           headers,
		QueryParams:       query,
		Body:              string(body),
		StreamingMode:     streamingMode,
		IsGenerative:      isGenerative,
		ResumeOnProhibit:  enableResume,
		ResumeLimit:       limit,
		ClientWantsStream: wantsStream,
	}

	if wantsStream && streamingMode != relay.StreamingReal {
		p.serveFakeStream(c, ctx, reqTemplate, hooks)
		return
	}

	requestID, queue, err := p.sendRequest(ctx, reqTemplate)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not connected"})
		return
	}
	defer p.mux.RemoveQueue(requestID)

	done := make(chan struct{})
	defer close(done)
	go p.watchCancellation(ctx, requestID, done)

	if wantsStream {
		p.serveRealStream(c, requestID, queue, hooks)
	} else {
		p.serveNonStream(c, requestID, queue, hooks)
	}
}

// sendRequest mints a fresh request id, registers its queue with the
// multiplexer, and hands the populated relay.Request to the channel. On
// send failure the queue is removed before returning so no stale entry is
// left registered under the discarded id.
func (p *Pipeline) sendRequest(ctx context.Context, reqTemplate relay.Request) (requestID string, queue *multiplexer.Queue, err error) {
	requestID = util.NewRequestID()
	req := reqTemplate
	req.RequestID = requestID
	queue = p.mux.CreateQueue(requestID)
	if err = p.channel.Send(req); err != nil {
		p.mux.RemoveQueue(requestID)
		return "", nil, err
	}
	return requestID, queue, nil
}

// FetchBuffered runs the accept/send/drain lifecycle without writing any
// HTTP response, for callers (like the model-list endpoint) that need to
// post-process the relay's buffered body before replying. timeout bounds
// the drain wait; callers pick the deadline appropriate to their endpoint
// (e.g. ModelsTimeout for the models-aggregation path).
func (p *Pipeline) FetchBuffered(ctx context.Context, method, path string, headers, query map[string]string, body []byte, timeout time.Duration) ([]byte, int, error) {
	if err := p.rotation.Accept(); err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	defer p.rotation.Finish(context.Background())

	if !p.channel.IsConnected() && !p.rotation.IsSystemBusy() {
		p.rotation.SetSystemBusy(true)
		err := p.session.SwitchTo(ctx, p.rotation.CurrentIndex())
		p.rotation.SetSystemBusy(false)
		if err != nil {
			log.Warnf("pipeline: auto-recovery switchTo(%d) failed: %v", p.rotation.CurrentIndex(), err)
		}
	}
	if !p.channel.IsConnected() {
		return nil, http.StatusServiceUnavailable, errors.New("pipeline: relay not connected")
	}

	reqTemplate := relay.Request{
		Method:        method,
		Path:          path,
		Headers:       headers,
		QueryParams:   query,
		Body:          string(body),
		StreamingMode: relay.StreamingFake,
	}

	requestID, queue, err := p.sendRequest(ctx, reqTemplate)
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	defer p.mux.RemoveQueue(requestID)
	done := make(chan struct{})
	defer close(done)
	go p.watchCancellation(ctx, requestID, done)

	respBody, status, err := p.drainToBuffer(queue, timeout)
	if err != nil {
		if countsAsUpstreamFailure(err) {
			p.rotation.RecordFailure(ctx, status)
		}
		return nil, status, err
	}
	p.rotation.RecordSuccess()
	return respBody, status, nil
}

// watchCancellation sends a cancel_request frame only for a genuine
// premature client disconnect. net/http cancels a request's context
// unconditionally once the handler returns, including after a normal,
// fully-served response, so ctx.Done firing is not on its own evidence of
// a disconnect: done is closed by the caller at the end of its own
// lifecycle, strictly before that unconditional cancellation can occur,
// so seeing ctx.Done fire while done is still open means the client went
// away mid-request.
func (p *Pipeline) watchCancellation(ctx context.Context, requestID string, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
		select {
		case <-done:
			return
		default:
		}
		p.channel.SendCancel(requestID)
	}
}

func clientWantsStream(path, accept string) bool {
	return strings.Contains(path, ":streamGenerateContent") || strings.Contains(accept, "text/event-stream")
}

func writeServiceUnavailable(c *gin.Context, err error) {
	switch err {
	case rotation.ErrUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no usable credential, manual intervention required"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rotating accounts"})
	}
}

// serveRealStream implements "real" pass-through streaming.
func (p *Pipeline) serveRealStream(c *gin.Context, requestID string, queue *multiplexer.Queue, hooks dialectHooks) {
	first, ok := queue.Dequeue(generalTimeout)
	if !ok || first.Terminal {
		p.handleEarlyTermination(c, first, ok)
		return
	}
	if first.Event.EventType == relay.EventError {
		p.recordUpstreamFailure(c.Request.Context(), first.Event)
		status := first.Event.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": first.Event.Message})
		return
	}

	status := first.Event.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for k, v := range first.Event.Headers {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Content-Type") {
			continue
		}
		c.Header(k, v)
	}
	c.Status(status)
	c.Writer.Flush()

	for {
		item, ok := queue.Dequeue(interChunkTimeout)
		if !ok {
			return
		}
		if item.Terminal {
			return
		}
		if item.Event.EventType == relay.EventError {
			p.recordUpstreamFailure(c.Request.Context(), item.Event)
			writeSSEData(c.Writer, []byte(fmt.Sprintf(`{"error":%q}`, item.Event.Message)))
			c.Writer.Flush()
			return
		}
		data := []byte(item.Event.Data)
		if hooks.ChunkTransform != nil {
			transformed, ok := hooks.ChunkTransform(requestID, data)
			if !ok {
				continue
			}
			writeSSEData(c.Writer, transformed)
		} else {
			_, _ = c.Writer.Write(data)
		}
		scrapeFinishReasonForLogging(item.Event.Data)
		c.Writer.Flush()
	}
}

// serveFakeStream implements pseudo streaming: open the SSE response and
// write a keep-alive immediately so the client sees a byte before the
// buffered wait begins, then resend to the relay on each retry attempt
// (a fresh request id and queue every time, since a queue is never closed
// by an error event) until the body arrives or the retry policy is spent.
func (p *Pipeline) serveFakeStream(c *gin.Context, ctx context.Context, reqTemplate relay.Request, hooks dialectHooks) {
	maxRetries, retryDelay := p.retryPolicy()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	writeSSEKeepAlive(c.Writer)
	c.Writer.Flush()

	var body []byte
	var lastRequestID string
	var lastStatus int
	attempt := 0
	for {
		requestID, queue, err := p.sendRequest(ctx, reqTemplate)
		if err != nil {
			p.respondFakeStreamError(c, "relay not connected")
			return
		}
		lastRequestID = requestID

		done := make(chan struct{})
		go p.watchCancellation(ctx, requestID, done)
		b, status, derr := p.drainToBuffer(queue, wholeBodyTimeout)
		close(done)
		p.mux.RemoveQueue(requestID)

		if derr == nil {
			body, lastStatus = b, status
			break
		}
		lastStatus = status
		if isAbortedError(derr) || attempt >= maxRetries {
			if countsAsUpstreamFailure(derr) {
				p.rotation.RecordFailure(ctx, lastStatus)
			}
			p.respondFakeStreamError(c, derr.Error())
			return
		}
		attempt++
		time.Sleep(retryDelay)
	}

	p.rotation.RecordSuccess()

	if lastStatus == 0 {
		lastStatus = http.StatusOK
	}
	var payload []byte
	if hooks.BodyTransform != nil {
		translated, err := hooks.BodyTransform(lastRequestID, body)
		if err != nil {
			payload = body
		} else {
			payload = translated
		}
	} else {
		payload = translator.RewriteInlineImagesToMarkdown(body)
	}
	writeSSEData(c.Writer, payload)
	writeSSEDone(c.Writer)
	c.Writer.Flush()
}

// respondFakeStreamError reports a terminal failure after the SSE preamble
// has already been flushed, so the HTTP status can no longer change: the
// error rides in-band as an SSE data frame, matching serveRealStream's
// mid-stream error framing.
func (p *Pipeline) respondFakeStreamError(c *gin.Context, message string) {
	writeSSEData(c.Writer, []byte(fmt.Sprintf(`{"error":%q}`, message)))
	writeSSEDone(c.Writer)
	c.Writer.Flush()
}

// serveNonStream implements the buffered, non-streaming response.
func (p *Pipeline) serveNonStream(c *gin.Context, requestID string, queue *multiplexer.Queue, hooks dialectHooks) {
	body, status, err := p.drainToBuffer(queue, wholeBodyTimeout)
	if err != nil {
		p.escalateAndRespondError(c, requestID, status, err)
		return
	}
	p.rotation.RecordSuccess()
	if status == 0 {
		status = http.StatusOK
	}

	if hooks.BodyTransform != nil {
		translated, terr := hooks.BodyTransform(requestID, body)
		if terr != nil {
			c.Data(http.StatusBadGateway, "application/json", []byte(`{"error":"translation failed"}`))
			return
		}
		c.Data(http.StatusOK, "application/json", translated)
		return
	}
	rewritten := translator.RewriteInlineImagesToMarkdown(body)
	c.Data(status, "application/json", rewritten)
}

// drainToBuffer reads response_headers/chunk events until STREAM_END and
// concatenates chunk payloads. It returns a relay-reported error (possibly
// an aborted cancellation) for terminal error events or queue failures.
func (p *Pipeline) drainToBuffer(queue *multiplexer.Queue, timeout time.Duration) (body []byte, status int, err error) {
	var buf strings.Builder
	for {
		item, ok := queue.Dequeue(timeout)
		if !ok {
			return nil, 0, fmt.Errorf("pipeline: response timed out or channel closed")
		}
		if item.Err != nil {
			return nil, 0, item.Err
		}
		if item.Terminal {
			return []byte(buf.String()), status, nil
		}
		switch item.Event.EventType {
		case relay.EventResponseHeaders:
			status = item.Event.Status
		case relay.EventChunk:
			buf.WriteString(item.Event.Data)
		case relay.EventError:
			return nil, item.Event.Status, fmt.Errorf("%s", item.Event.Message)
		}
	}
}

func (p *Pipeline) retryPolicy() (maxRetries int, retryDelay time.Duration) {
	return p.maxRetries, p.retryDelay
}

func isAbortedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "aborted")
}

// countsAsUpstreamFailure reports whether err should feed the rotation
// failure counter: client cancellations and relay connection loss do not.
func countsAsUpstreamFailure(err error) bool {
	return err != nil && !isAbortedError(err) && !errors.Is(err, multiplexer.ErrConnectionLost)
}

func (p *Pipeline) escalateAndRespondError(c *gin.Context, requestID string, status int, err error) {
	if countsAsUpstreamFailure(err) {
		p.rotation.RecordFailure(c.Request.Context(), status)
	}
	if status == 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (p *Pipeline) recordUpstreamFailure(ctx context.Context, evt relay.Event) {
	if !isAbortedError(errors.New(evt.Message)) {
		p.rotation.RecordFailure(ctx, evt.Status)
	}
}

func (p *Pipeline) handleEarlyTermination(c *gin.Context, item multiplexer.QueueItem, ok bool) {
	if !ok {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "relay response timed out"})
		return
	}
	if item.Err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": item.Err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "relay closed stream before responding"})
}

// scrapeFinishReasonForLogging is the ad-hoc, best-effort finishReason
// scrape the design notes call out: failures here must never affect
// control flow, hence the swallowed error.
func scrapeFinishReasonForLogging(chunkData string) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(chunkData), "data: ")
	var probe struct {
		Candidates []struct {
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return
	}
	if len(probe.Candidates) > 0 && probe.Candidates[0].FinishReason != "" {
		log.Debugf("pipeline: finishReason=%s", probe.Candidates[0].FinishReason)
	}
}

// BuildHeaderMap copies an http.Header into the plain map the Relay
// Request frame carries.
func BuildHeaderMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// BuildQueryMap copies request query parameters into a plain map, using
// util.StripKeyParam to drop the `key` API-key parameter so it is never
// forwarded to the relay.
func BuildQueryMap(values url.Values) map[string]string {
	stripped, err := url.ParseQuery(util.StripKeyParam(values.Encode()))
	if err != nil {
		stripped = values
	}
	out := make(map[string]string, len(stripped))
	for k := range stripped {
		out[k] = stripped.Get(k)
	}
	return out
}

// ApplyModelRedirect substitutes gemini-2.5-pro with gemini-3-pro-preview
// in path when enabled, per the C6 model redirect behaviour.
func ApplyModelRedirect(path string, enabled bool) string {
	if !enabled || !strings.Contains(path, "gemini-2.5-pro") {
		return path
	}
	return strings.ReplaceAll(path, "gemini-2.5-pro", "gemini-3-pro-preview")
}

// InjectNativeReasoning sets generationConfig.thinkingConfig.includeThoughts
// on an already-Google-dialect request body, per the C6 native reasoning
// toggle.
func InjectNativeReasoning(body []byte) []byte {
	out, err := injectThinkingConfig(body)
	if err != nil {
		return body
	}
	return out
}

func injectThinkingConfig(body []byte) ([]byte, error) {
	return jsonSetThinkingConfig(body)
}
