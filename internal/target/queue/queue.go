/*
Robin MTA Tester - Programmable SMTP/LMTP server and scripted test client.
Copyright © 2024-2026 Robin MTA Tester contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package queue implements the persistent retry queue sitting in front of the
relay target.

Interfaces implemented:
- module.DeliveryTarget

Messages are persisted by the configured Store before Commit returns and
attempted against the wrapped target by the cron pass. The cron runs once
after initial_delay and then every interval, dequeuing up to max_dequeue
due items per pass.

Failure status is tracked per recipient:
- Delivery.Start failure counts as a failure for all recipients.
- Delivery.AddRcpt failure counts as a failure for that recipient.
- Delivery.Body failure counts as a failure for all recipients,
  unless the target implements module.PartialDelivery, in which case
  per-recipient status reported via SetStatus is used.

Errors are classified using exterrors.IsTemporaryOrUnspec, so unspecified
errors are retried. Temporarily failed recipients are rescheduled with an
exponentially growing delay; permanently failed ones (and ones that
exhausted max_tries) get a failure DSN submitted to the bounce target.
An item is acknowledged (deleted from the store) only after the attempt
fully completes, so a crash mid-attempt leads to a redelivery, not a loss.
*/
package queue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime/debug"
	"runtime/trace"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/robin-mta/robin/framework/buffer"
	"github.com/robin-mta/robin/framework/config"
	"github.com/robin-mta/robin/framework/config/modconfig"
	"github.com/robin-mta/robin/framework/exterrors"
	"github.com/robin-mta/robin/framework/log"
	"github.com/robin-mta/robin/framework/module"
	"github.com/robin-mta/robin/internal/dsn"
	"github.com/robin-mta/robin/internal/sched"
	"github.com/robin-mta/robin/internal/target"
)

// partialError describes the state of a partially successful delivery
// attempt.
type partialError struct {
	// Underlying error objects for each recipient.
	Errs map[string]error

	// Fields can be accessed without holding this lock, but only after
	// target.BodyNonAtomic/Body returns.
	statusLock *sync.Mutex
}

// SetStatus implements module.StatusCollector so partialError can be
// passed directly to PartialDelivery.BodyNonAtomic.
func (pe *partialError) SetStatus(rcptTo string, err error) {
	if err == nil {
		return
	}
	pe.statusLock.Lock()
	defer pe.statusLock.Unlock()
	pe.Errs[rcptTo] = err
}

func (pe partialError) Error() string {
	return fmt.Sprintf("delivery failed for some recipients: %v", pe.Errs)
}

// dontRecover disables the dispatch panic handlers so tests fail loudly
// instead of marking the item broken.
var dontRecover = false

type Queue struct {
	name             string
	hostname         string
	autogenMsgDomain string

	store    Store
	storeCfg storeConfig
	wheel    *sched.TimeWheel

	bounce module.DeliveryTarget

	// Retry delay is calculated using the following formula:
	// initialRetryTime * retryTimeScale ^ (TriesCount - 1)
	initialRetryTime time.Duration
	retryTimeScale   float64
	maxTries         int

	// Cron parameters: the first pass runs initialDelay after start-up,
	// subsequent ones every interval, each taking up to maxDequeue due
	// items.
	initialDelay time.Duration
	interval     time.Duration
	maxDequeue   int

	Log    log.Logger
	Target module.DeliveryTarget

	deliveryWg sync.WaitGroup
	// Buffered channel used to restrict the count of deliveries attempted
	// in parallel.
	deliverySemaphore chan struct{}
}

type QueueMetadata struct {
	MsgMeta *module.MsgMetadata
	From    string

	// Recipients that should be tried next.
	To []string

	// Information about previous failures, preserved for the bounce
	// message.
	FailedRcpts          []string
	TemporaryFailedRcpts []string
	// Errors are converted to SMTPError so they survive serialization and
	// are directly usable in bounce messages.
	RcptErrs map[string]*smtp.SMTPError

	// Amount of times delivery was already tried, per recipient.
	TriesCount map[string]int

	FirstAttempt time.Time
	LastAttempt  time.Time
}

// cronTick is the recurring wheel slot driving the queue cron. kick slots
// run a single pass outside of the schedule, e.g. right after a Commit.
type cronTick struct {
	recurring bool
}

func NewQueue(_, instName string, _, inlineArgs []string) (module.Module, error) {
	q := &Queue{
		name:             instName,
		initialRetryTime: 15 * time.Minute,
		retryTimeScale:   1.25,
		initialDelay:     10 * time.Second,
		interval:         time.Minute,
		maxDequeue:       128,
		storeCfg:         storeConfig{kind: "fs"},
		Log:              log.Logger{Name: "queue"},
	}
	switch len(inlineArgs) {
	case 0:
		// Not an inline definition.
	case 1:
		q.storeCfg.arg = inlineArgs[0]
	default:
		return nil, errors.New("queue: wrong amount of inline arguments")
	}
	return q, nil
}

func (q *Queue) Init(cfg *config.Map) error {
	var maxParallelism int
	cfg.Bool("debug", true, false, &q.Log.Debug)
	cfg.Int("max_tries", false, false, 20, &q.maxTries)
	cfg.Int("max_parallelism", false, false, 16, &maxParallelism)
	cfg.Int("max_dequeue", false, false, 128, &q.maxDequeue)
	cfg.Duration("interval", false, false, time.Minute, &q.interval)
	cfg.Duration("initial_delay", false, false, 10*time.Second, &q.initialDelay)
	cfg.Duration("initial_retry_time", false, false, 15*time.Minute, &q.initialRetryTime)
	cfg.Float("retry_time_scale", false, false, 1.25, &q.retryTimeScale)
	cfg.Custom("storage", false, false, func() (interface{}, error) {
		return q.storeCfg, nil
	}, storageDirective, &q.storeCfg)
	cfg.Custom("target", false, true, nil, modconfig.DeliveryDirective, &q.Target)
	cfg.String("hostname", true, true, "", &q.hostname)
	cfg.String("autogenerated_msg_domain", true, false, "", &q.autogenMsgDomain)
	cfg.Custom("bounce", false, false, nil, modconfig.DeliveryDirective, &q.bounce)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if q.bounce != nil && q.autogenMsgDomain == "" {
		return errors.New("queue: autogenerated_msg_domain is required if bounce is specified")
	}
	if q.storeCfg.kind == "fs" && q.storeCfg.arg == "" {
		if q.name == "" {
			return errors.New("queue: need explicit storage location or inline argument if defined inline")
		}
		q.storeCfg.arg = filepath.Join(config.StateDirectory, q.name)
	}

	return q.start(maxParallelism)
}

// storageDirective parses the storage back-end selection:
//
//	storage fs [directory]
//	storage mysql dsn
//	storage postgres dsn
//	storage memory
func storageDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least one argument")
	}
	cfg := storeConfig{kind: node.Args[0]}
	switch cfg.kind {
	case "fs":
		if len(node.Args) == 2 {
			cfg.arg = node.Args[1]
		} else if len(node.Args) > 2 {
			return nil, config.NodeErr(node, "expected at most two arguments")
		}
	case "mysql", "postgres":
		if len(node.Args) != 2 {
			return nil, config.NodeErr(node, "expected a connection string argument")
		}
		cfg.arg = node.Args[1]
	case "memory":
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "expected no arguments")
		}
	default:
		return nil, config.NodeErr(node, "unknown storage back-end: %v", cfg.kind)
	}
	return cfg, nil
}

func (q *Queue) start(maxParallelism int) error {
	store, err := q.openStore(q.storeCfg)
	if err != nil {
		return err
	}
	q.store = store

	q.wheel = sched.NewTimeWheel(q.dispatch)
	q.deliverySemaphore = make(chan struct{}, maxParallelism)

	q.wheel.Add(time.Now().Add(q.initialDelay), cronTick{recurring: true})

	q.Log.Debugf("delivery target: %T", q.Target)
	return nil
}

// Alive reports whether the retry scheduler is running. The health
// endpoint degrades when it is not.
func (q *Queue) Alive() bool {
	return q.wheel != nil && q.wheel.Alive()
}

func (q *Queue) Close() error {
	q.wheel.Close()
	q.deliveryWg.Wait()

	return q.store.Close()
}

func (q *Queue) dispatch(value sched.TimeSlot) {
	tick := value.Value.(cronTick)

	// Add cannot be called from the dispatch callback, hence the pass runs
	// (and the next tick is scheduled) on a separate goroutine.
	q.deliveryWg.Add(1)
	go func() {
		defer q.deliveryWg.Done()
		q.cronPass()
		if tick.recurring {
			q.wheel.Add(time.Now().Add(q.interval), cronTick{recurring: true})
		}
	}()
}

func (q *Queue) cronPass() {
	items, err := q.store.DequeueReady(q.maxDequeue)
	if err != nil {
		q.Log.Error("queue dequeue failed", err)
		return
	}
	queuedItems.WithLabelValues(q.name).Set(float64(q.store.Len()))

	for _, item := range items {
		q.deliveryWg.Add(1)
		go func(item *Item) {
			q.Log.Debugln("waiting on delivery semaphore for", item.ID)
			q.deliverySemaphore <- struct{}{}
			defer func() {
				<-q.deliverySemaphore
				q.deliveryWg.Done()

				if dontRecover {
					return
				}
				if err := recover(); err != nil {
					stack := debug.Stack()
					log.Printf("panic during queue dispatch %s: %v\n%s", item.ID, err, stack)
				}
			}()

			q.processItem(item)
		}(item)
	}
}

func (q *Queue) processItem(item *Item) {
	meta := &QueueMetadata{MsgMeta: &module.MsgMetadata{}}
	if err := json.Unmarshal(item.Meta, meta); err != nil {
		q.Log.Error("unreadable queue meta-data, dropping", err, "msg_id", item.ID)
		if err := q.store.Ack(item.ID); err != nil {
			q.Log.Error("queue ack failed", err, "msg_id", item.ID)
		}
		return
	}

	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(item.Header)))
	if err != nil {
		q.Log.Error("unreadable queue header, dropping", err, "msg_id", item.ID)
		if err := q.store.Ack(item.ID); err != nil {
			q.Log.Error("queue ack failed", err, "msg_id", item.ID)
		}
		return
	}

	q.tryDelivery(meta, header, item.Body)
}

func toSMTPErr(err error) *smtp.SMTPError {
	if err == nil {
		return nil
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "Internal server error",
	}

	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 0, 0}
	}

	ctxInfo := exterrors.Fields(err)
	ctxCode, ok := ctxInfo["smtp_code"].(int)
	if ok {
		res.Code = ctxCode
	}
	ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(smtp.EnhancedCode)
	if ok {
		res.EnhancedCode = ctxEnchCode
	}
	ctxMsg, ok := ctxInfo["smtp_msg"].(string)
	if ok {
		res.Message = ctxMsg
	}

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		res.Code = smtpErr.Code
		res.EnhancedCode = smtpErr.EnhancedCode
		res.Message = smtpErr.Message
	}

	return res
}

func (q *Queue) tryDelivery(meta *QueueMetadata, header textproto.Header, body buffer.Buffer) {
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)

	partialErr := q.deliver(meta, header, body)
	dl.Debugf("errors: %v", partialErr.Errs)

	// While iterating the list of recipients we also pick the smallest
	// tries count and use it to calculate the delay for the next attempt.
	smallestTriesCount := 999999

	if meta.TriesCount == nil {
		meta.TriesCount = make(map[string]int)
	}

	// Split the recipient list into two parts: recipients to retry
	// (newRcpts) and recipients a bounce will be generated for.
	newRcpts := make([]string, 0, len(partialErr.Errs))
	failedRcpts := make([]string, 0, len(partialErr.Errs))
	for _, rcpt := range meta.To {
		rcptErr, ok := partialErr.Errs[rcpt]
		if !ok {
			dl.Msg("delivered", "rcpt", rcpt, "attempt", meta.TriesCount[rcpt]+1)
			attemptsCnt.WithLabelValues(q.name, "ok").Inc()
			continue
		}

		// Save the last error (either temporary or permanent) for
		// reporting in the bounce.
		dl.Error("delivery attempt failed", rcptErr, "rcpt", rcpt)
		meta.RcptErrs[rcpt] = toSMTPErr(rcptErr)

		temporary := exterrors.IsTemporaryOrUnspec(rcptErr)
		if !temporary || meta.TriesCount[rcpt]+1 == q.maxTries {
			delete(meta.TriesCount, rcpt)
			dl.Msg("not delivered, permanent error", "rcpt", rcpt)
			failedRcpts = append(failedRcpts, rcpt)
			attemptsCnt.WithLabelValues(q.name, "permanent_fail").Inc()
			continue
		}

		// Temporary error, increase the tries counter and requeue.
		meta.TriesCount[rcpt]++
		newRcpts = append(newRcpts, rcpt)
		attemptsCnt.WithLabelValues(q.name, "temporary_fail").Inc()

		if count := meta.TriesCount[rcpt]; count < smallestTriesCount {
			smallestTriesCount = count
		}
	}

	// Generate a bounce for recipients that failed permanently this time.
	// The item row is deleted only after the bounce is submitted.
	if len(failedRcpts) != 0 {
		q.emitDSN(meta, header, failedRcpts)
	}
	// No recipients left to try, either all failed or all succeeded.
	if len(newRcpts) == 0 {
		if err := q.store.Ack(meta.MsgMeta.ID); err != nil {
			dl.Error("queue ack failed", err)
		}
		queuedItems.WithLabelValues(q.name).Set(float64(q.store.Len()))
		return
	}

	meta.To = newRcpts
	meta.LastAttempt = time.Now()

	// Delay between retries grows exponentially:
	// initialRetryTime * retryTimeScale ^ (smallestTriesCount - 1)
	scaleFactor := time.Duration(math.Pow(q.retryTimeScale, float64(smallestTriesCount-1)))
	nextTryTime := time.Now().Add(q.initialRetryTime * scaleFactor)
	dl.Msg("will retry",
		"attempts_count", meta.TriesCount,
		"next_try_delay", time.Until(nextTryTime),
		"rcpts", meta.To)

	metaBlob, err := marshalMeta(meta)
	if err != nil {
		dl.Error("meta-data serialization failed", err)
		return
	}
	if err := q.store.Reschedule(meta.MsgMeta.ID, nextTryTime, metaBlob); err != nil {
		dl.Error("queue reschedule failed", err)
	}
}

func (q *Queue) deliver(meta *QueueMetadata, header textproto.Header, body buffer.Buffer) partialError {
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)
	perr := partialError{
		Errs:       map[string]error{},
		statusLock: new(sync.Mutex),
	}

	msgMeta := meta.MsgMeta.DeepCopy()
	msgMeta.ID = msgMeta.ID + "-" + strconv.FormatInt(time.Now().Unix(), 16)
	dl.Debugf("using message ID = %s", msgMeta.ID)

	msgCtx, msgTask := trace.NewTask(context.Background(), "Queue delivery")
	defer msgTask.End()

	mailCtx, mailTask := trace.NewTask(msgCtx, "MAIL FROM")
	delivery, err := q.Target.Start(mailCtx, msgMeta, meta.From)
	mailTask.End()
	if err != nil {
		dl.Debugf("target.Start failed: %v", err)
		for _, rcpt := range meta.To {
			perr.Errs[rcpt] = err
		}
		return perr
	}

	var acceptedRcpts []string
	for _, rcpt := range meta.To {
		rcptCtx, rcptTask := trace.NewTask(msgCtx, "RCPT TO")
		if err := delivery.AddRcpt(rcptCtx, rcpt); err != nil {
			dl.Debugf("delivery.AddRcpt %s failed: %v", rcpt, err)
			perr.Errs[rcpt] = err
		} else {
			acceptedRcpts = append(acceptedRcpts, rcpt)
		}
		rcptTask.End()
	}

	if len(acceptedRcpts) == 0 {
		dl.Debugf("delivery.Abort (no accepted recipients)")
		if err := delivery.Abort(msgCtx); err != nil {
			dl.Error("delivery.Abort failed", err)
		}
		return perr
	}

	expandToPartialErr := func(err error) {
		for _, rcpt := range acceptedRcpts {
			perr.Errs[rcpt] = err
		}
	}

	bodyCtx, bodyTask := trace.NewTask(msgCtx, "DATA")
	defer bodyTask.End()

	partDelivery, ok := delivery.(module.PartialDelivery)
	if ok {
		dl.Debugf("using delivery.BodyNonAtomic")
		partDelivery.BodyNonAtomic(bodyCtx, &perr, header, body)
	} else {
		if err := delivery.Body(bodyCtx, header, body); err != nil {
			dl.Debugf("delivery.Body failed: %v", err)
			expandToPartialErr(err)
		}
	}

	allFailed := true
	for _, rcpt := range acceptedRcpts {
		if perr.Errs[rcpt] == nil {
			allFailed = false
		}
	}
	if allFailed {
		// No recipients succeeded.
		dl.Debugf("delivery.Abort (all recipients failed)")
		if err := delivery.Abort(bodyCtx); err != nil {
			dl.Msg("delivery.Abort failed", err)
		}
		return perr
	}

	if err := delivery.Commit(bodyCtx); err != nil {
		dl.Debugf("delivery.Commit failed: %v", err)
		expandToPartialErr(err)
	}

	return perr
}

type queueDelivery struct {
	q    *Queue
	meta *QueueMetadata

	enqueued bool
}

func (qd *queueDelivery) AddRcpt(ctx context.Context, rcptTo string) error {
	qd.meta.To = append(qd.meta.To, rcptTo)
	return nil
}

func (qd *queueDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "queue/Body").End()

	metaBlob, err := marshalMeta(qd.meta)
	if err != nil {
		return err
	}

	headerBlob := bytes.Buffer{}
	if err := textproto.WriteHeader(&headerBlob, header); err != nil {
		return err
	}

	// The body buffer passed to us may not be valid after this delivery
	// completes, the store keeps its own durable copy.
	if err := qd.q.store.Enqueue(&Item{
		ID:          qd.meta.MsgMeta.ID,
		Meta:        metaBlob,
		Header:      headerBlob.Bytes(),
		Body:        body,
		CreatedAt:   time.Now(),
		NextAttempt: time.Now(),
	}); err != nil {
		return err
	}

	qd.enqueued = true
	return nil
}

func (qd *queueDelivery) Abort(ctx context.Context) error {
	defer trace.StartRegion(ctx, "queue/Abort").End()

	if qd.enqueued {
		if err := qd.q.store.Ack(qd.meta.MsgMeta.ID); err != nil {
			qd.q.Log.Error("queue ack failed", err, "msg_id", qd.meta.MsgMeta.ID)
		}
		qd.enqueued = false
	}
	return nil
}

func (qd *queueDelivery) Commit(ctx context.Context) error {
	defer trace.StartRegion(ctx, "queue/Commit").End()

	if qd.meta == nil {
		panic("queue: double Commit")
	}

	queuedItems.WithLabelValues(qd.q.name).Set(float64(qd.q.store.Len()))

	// Kick the cron so the first attempt happens right away instead of
	// waiting for the next scheduled pass.
	qd.q.wheel.Add(time.Now(), cronTick{})
	qd.meta = nil
	return nil
}

func (q *Queue) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	meta := &QueueMetadata{
		MsgMeta:      msgMeta,
		From:         mailFrom,
		RcptErrs:     map[string]*smtp.SMTPError{},
		FirstAttempt: time.Now(),
		LastAttempt:  time.Now(),
	}
	return &queueDelivery{q: q, meta: meta}, nil
}

func marshalMeta(meta *QueueMetadata) ([]byte, error) {
	metaCopy := *meta
	metaCopy.MsgMeta = meta.MsgMeta.DeepCopy()
	// ConnState is not serializable: future.Future cannot be marshaled and
	// net.Addr cannot be unmarshaled into a concrete type.
	metaCopy.MsgMeta.Conn = nil
	return json.Marshal(metaCopy)
}

func (q *Queue) InstanceName() string {
	return q.name
}

func (q *Queue) Name() string {
	return "queue"
}

func (q *Queue) emitDSN(meta *QueueMetadata, header textproto.Header, failedRcpts []string) {
	if q.bounce == nil {
		return
	}

	// Null return-path means the failed message is itself a DSN, never
	// bounce a bounce.
	if meta.MsgMeta.OriginalFrom == "" {
		return
	}

	dsnID, err := module.GenerateMsgID()
	if err != nil {
		q.Log.Error("rand.Rand error", err)
		return
	}

	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + q.autogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + q.autogenMsgDomain,
		To:    meta.MsgMeta.OriginalFrom,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    q.hostname,
		XSender:         meta.From,
		XMessageID:      meta.MsgMeta.ID,
		ArrivalDate:     meta.FirstAttempt,
		LastAttemptDate: meta.LastAttempt,
	}
	if !meta.MsgMeta.DontTraceSender && meta.MsgMeta.Conn != nil {
		mtaInfo.ReceivedFromMTA = meta.MsgMeta.Conn.Hostname
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(meta.RcptErrs))
	for _, rcpt := range failedRcpts {
		rcptErr := meta.RcptErrs[rcpt]
		// rcptErr is stored in RcptErrs using the effective recipient
		// address, the bounce reports the original one.
		originalRcpt := meta.MsgMeta.OriginalRcpts[rcpt]
		if originalRcpt != "" {
			rcpt = originalRcpt
		}

		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         rcptErr.EnhancedCode,
			DiagnosticCode: rcptErr,
		})
	}

	var dsnBodyBlob bytes.Buffer
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)
	dsnHeader, err := dsn.GenerateDSN(meta.MsgMeta.SMTPOpts.UTF8, dsnEnvelope, mtaInfo, rcptInfo, header, &dsnBodyBlob)
	if err != nil {
		dl.Error("failed to generate fail DSN", err)
		return
	}
	dsnBody := buffer.MemoryBuffer{Slice: dsnBodyBlob.Bytes()}

	dsnMeta := &module.MsgMetadata{
		ID: dsnID,
		SMTPOpts: smtp.MailOptions{
			UTF8:       meta.MsgMeta.SMTPOpts.UTF8,
			RequireTLS: meta.MsgMeta.SMTPOpts.RequireTLS,
		},
	}
	dl.Msg("generated failed DSN", "dsn_id", dsnID)
	bouncesCnt.WithLabelValues(q.name).Inc()

	msgCtx, msgTask := trace.NewTask(context.Background(), "DSN Delivery")
	defer msgTask.End()

	mailCtx, mailTask := trace.NewTask(msgCtx, "MAIL FROM")
	dsnDelivery, err := q.bounce.Start(mailCtx, dsnMeta, "")
	mailTask.End()
	if err != nil {
		dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
		return
	}

	defer func() {
		if err != nil {
			dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
			if err := dsnDelivery.Abort(msgCtx); err != nil {
				dl.Error("failed to abort DSN delivery", err, "dsn_id", dsnID)
			}
		}
	}()

	rcptCtx, rcptTask := trace.NewTask(msgCtx, "RCPT TO")
	if err = dsnDelivery.AddRcpt(rcptCtx, meta.From); err != nil {
		rcptTask.End()
		return
	}
	rcptTask.End()

	bodyCtx, bodyTask := trace.NewTask(msgCtx, "DATA")
	if err = dsnDelivery.Body(bodyCtx, dsnHeader, dsnBody); err != nil {
		bodyTask.End()
		return
	}
	if err = dsnDelivery.Commit(bodyCtx); err != nil {
		bodyTask.End()
		return
	}
	bodyTask.End()
}

func init() {
	module.Register("target.queue", NewQueue)
}
