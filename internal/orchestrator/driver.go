package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/config"
	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/generation"
	"github.com/AaronLay10/Colloquy/internal/speech"
	"github.com/AaronLay10/Colloquy/internal/stream"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

var (
	// ErrBusy is returned when playback is requested while a run is active.
	ErrBusy = errors.New("orchestrator: playback already running")
	// ErrEmptyQueue is returned by PlayAll when the graph has no playable node.
	ErrEmptyQueue = errors.New("orchestrator: no playable nodes")
)

// Default timings.
const (
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultPollInterval = 250 * time.Millisecond
)

// Generator starts generation runs. Implemented by *generation.Client.
type Generator interface {
	Stream(ctx context.Context, r generation.Request) (io.ReadCloser, error)
}

// CacheArchive persists finished node timelines. Implemented by
// *postgres.Client.
type CacheArchive interface {
	SaveNodeAudio(ctx context.Context, nodeID string, cache timeline.Cache) error
}

// Options wires a Driver.
type Options struct {
	Store     GraphStore
	Humans    HumanRegistry
	Actors    ActorDirectory
	Generator Generator
	// Approval gates derailing utterances. nil approves everything.
	Approval *approval.Machine
	Hands    *stream.HandTracker
	// Archive is optional.
	Archive    CacheArchive
	Publisher  events.Publisher
	Classifier stream.Classifier

	Rand        Rand
	GestureRand speech.Rand
	Sleep       speech.Sleeper
	Now         func() time.Time

	SettleDelay  time.Duration
	PollInterval time.Duration
}

type run struct {
	id        string
	playAll   bool
	mode      string
	cancel    context.CancelFunc
	queue     []QueueEntry
	conns     []string
	current   string
	startedAt time.Time
	nodeStart time.Time
	actors    speech.Actors
}

// Driver plays nodes one at a time, either singly or as a queue walked from
// the graph.
type Driver struct {
	opts Options
	pub  events.Publisher

	mu  sync.Mutex
	run *run
}

// NewDriver creates a driver. Store, Actors and Generator are required.
func NewDriver(opts Options) *Driver {
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Rand == nil {
		opts.Rand = NewRand()
	}
	if opts.GestureRand == nil {
		opts.GestureRand = speech.NewRand()
	}
	if opts.Sleep == nil {
		opts.Sleep = speech.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Classifier == nil {
		opts.Classifier = stream.RegexClassifier{}
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Driver{opts: opts, pub: opts.Publisher}
}

func (d *Driver) begin(parent context.Context, playAll bool, mode string, q PlayQueue) (*run, context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != nil {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		id:        uuid.NewString(),
		playAll:   playAll,
		mode:      mode,
		cancel:    cancel,
		queue:     append([]QueueEntry(nil), q.Entries...),
		conns:     q.Connections,
		startedAt: d.opts.Now(),
	}
	d.run = r
	return r, ctx, nil
}

func (d *Driver) end(r *run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.cancel()
	if d.run == r {
		d.run = nil
	}
}

func (d *Driver) isCurrent(r *run) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run == r
}

func (d *Driver) next(r *run) (QueueEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != r || len(r.queue) == 0 {
		return QueueEntry{}, false
	}
	e := r.queue[0]
	r.queue = r.queue[1:]
	r.current = e.NodeID
	r.nodeStart = d.opts.Now()
	return e, true
}

func (d *Driver) setActors(r *run, actors speech.Actors) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.actors = actors
}

func normalizeMode(mode string) string {
	if mode == config.PlayModeAudio {
		return config.PlayModeAudio
	}
	return config.PlayModeText
}

// PlayNode plays a single node and returns once it has settled.
func (d *Driver) PlayNode(ctx context.Context, nodeID, mode string) error {
	n, ok := d.opts.Store.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	mode = normalizeMode(mode)

	r, runCtx, err := d.begin(ctx, false, mode, PlayQueue{Entries: []QueueEntry{{NodeID: n.ID, Title: n.Title}}})
	if err != nil {
		return err
	}
	defer d.end(r)

	if e, ok := d.next(r); ok {
		d.playNode(runCtx, r, e.NodeID)
	}
	return nil
}

// PlayAll builds a queue from startID (or the current selection) and plays
// it strictly in order. Failures of individual nodes are reported as events
// and the queue moves on.
func (d *Driver) PlayAll(ctx context.Context, startID, mode string) (PlayQueue, error) {
	if startID == "" {
		startID = d.opts.Store.Selected()
	}
	q := BuildPlayQueue(d.opts.Store.Snapshot(), startID, d.opts.Rand)
	if len(q.Entries) == 0 {
		return q, ErrEmptyQueue
	}
	mode = normalizeMode(mode)

	r, runCtx, err := d.begin(ctx, true, mode, q)
	if err != nil {
		return q, err
	}
	defer d.end(r)

	d.pub.Emit("info", "queue.built", "", map[string]interface{}{
		"run_id":      r.id,
		"nodes":       q.NodeIDs(),
		"connections": q.Connections,
		"mode":        mode,
	})

	for i := 0; ; i++ {
		e, ok := d.next(r)
		if !ok {
			break
		}
		d.pub.Emit("info", "queue.advanced", "", map[string]interface{}{
			"run_id":   r.id,
			"node_id":  e.NodeID,
			"position": i,
			"total":    len(q.Entries),
		})
		d.playNode(runCtx, r, e.NodeID)
	}

	if d.isCurrent(r) {
		d.pub.Emit("info", "queue.completed", "", map[string]interface{}{
			"run_id": r.id,
			"nodes":  len(q.Entries),
		})
	}
	return q, nil
}

// CancelPlayAll abandons the active run: the queue is cleared, the progress
// poller stops, speaking actors are stopped and any late stream result is
// discarded. It reports whether a run was active.
func (d *Driver) CancelPlayAll() bool {
	d.mu.Lock()
	r := d.run
	if r == nil {
		d.mu.Unlock()
		return false
	}
	d.run = nil
	dropped := len(r.queue)
	r.queue = nil
	actors := r.actors
	r.cancel()
	d.mu.Unlock()

	stopped := actors.StopSpeaking()
	d.pub.Emit("info", "queue.cleared", "", map[string]interface{}{
		"run_id":  r.id,
		"dropped": dropped,
	})
	d.pub.Emit("info", "playback.cancelled", "", map[string]interface{}{
		"run_id":  r.id,
		"node_id": r.current,
		"stopped": stopped,
	})
	return true
}

// Queue returns the entries still waiting to play.
func (d *Driver) Queue() []QueueEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run == nil {
		return []QueueEntry{}
	}
	return append([]QueueEntry{}, d.run.queue...)
}

// Status describes the driver for the control surface.
type Status struct {
	Playing     bool         `json:"playing"`
	PlayAll     bool         `json:"playAll"`
	RunID       string       `json:"runId,omitempty"`
	NodeID      string       `json:"nodeId,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Elapsed     float64      `json:"elapsed"`
	Queue       []QueueEntry `json:"queue"`
	Connections []string     `json:"connections,omitempty"`
	Selected    string       `json:"selected,omitempty"`
}

// Status returns a snapshot of the playback state.
func (d *Driver) Status() Status {
	selected := d.opts.Store.Selected()

	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{Queue: []QueueEntry{}, Selected: selected}
	if r := d.run; r != nil {
		st.Playing = true
		st.PlayAll = r.playAll
		st.RunID = r.id
		st.NodeID = r.current
		st.Mode = r.mode
		st.Queue = append(st.Queue, r.queue...)
		st.Connections = r.conns
		if !r.nodeStart.IsZero() {
			st.Elapsed = d.opts.Now().Sub(r.nodeStart).Seconds()
		}
	}
	return st
}

// Select focuses a node; an empty id clears the focus.
func (d *Driver) Select(nodeID string) error {
	if err := d.opts.Store.Select(nodeID); err != nil {
		return err
	}
	d.pub.Emit("info", "node.selected", "", map[string]interface{}{
		"node_id": nodeID,
	})
	return nil
}

func (d *Driver) conversationMode() string {
	if d.opts.Approval == nil {
		return config.ConversationAutonomous
	}
	return d.opts.Approval.ConversationMode()
}

func (d *Driver) abort(r *run, nodeID, reason string, err error) {
	fields := map[string]interface{}{
		"run_id":  r.id,
		"node_id": nodeID,
		"reason":  reason,
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.pub.Emit("error", "playback.aborted", msg, fields)
}

// playNode runs one node end to end. All failures are reported as events.
func (d *Driver) playNode(ctx context.Context, r *run, nodeID string) {
	node, ok := d.opts.Store.Node(nodeID)
	if !ok {
		d.pub.Emit("error", "playback.failed", "node not found", map[string]interface{}{
			"run_id":  r.id,
			"node_id": nodeID,
		})
		return
	}
	if !node.Playable() {
		return
	}

	if node.Scene == nil {
		d.abort(r, nodeID, "no scene", nil)
		return
	}
	avatars := node.Scene.Avatars()
	if len(avatars) == 0 {
		d.abort(r, nodeID, "no avatars", nil)
		return
	}
	actors, err := d.opts.Actors.Actors(ctx, avatars)
	if err != nil || len(actors) == 0 {
		d.abort(r, nodeID, "no actors", err)
		return
	}
	d.setActors(r, actors)

	if err := d.opts.Sleep(ctx, d.opts.SettleDelay); err != nil {
		d.discard(r, nodeID, "cancelled while settling")
		return
	}

	updated := node
	speakers := node.Speakers
	if len(speakers) == 0 {
		speakers = deriveSpeakers(avatars, d.opts.Humans)
		updated.Speakers = speakers
	}
	updated.Derailer = resolveDerailer(node.Derailer, speakers)

	d.pub.Emit("info", "playback.started", "", map[string]interface{}{
		"run_id":  r.id,
		"node_id": nodeID,
		"title":   node.Title,
		"mode":    r.mode,
		"actors":  len(actors),
	})

	req := buildRequest(updated, speakers, d.opts.Humans, d.conversationMode(), r.mode)
	start := d.opts.Now()
	body, err := d.opts.Generator.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			d.discard(r, nodeID, "cancelled before response")
			return
		}
		d.pub.Emit("error", "playback.failed", err.Error(), map[string]interface{}{
			"run_id":  r.id,
			"node_id": nodeID,
			"stage":   "request",
		})
		d.commit(ctx, r, node, updated)
		return
	}

	acc := timeline.NewAccumulator(start)
	pollCtx, stopPoll := context.WithCancel(ctx)
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		d.poll(pollCtx, r, nodeID, start, acc)
	}()

	var gate stream.Gate
	if d.opts.Approval != nil {
		gate = d.opts.Approval
	}
	consumer := &stream.Consumer{
		NodeID:     nodeID,
		Acc:        acc,
		Resolver:   speech.NewRoster(avatars),
		Classifier: d.opts.Classifier,
		Hands:      d.opts.Hands,
		Gate:       gate,
		Speaker: speech.NewDispatcher(actors, speech.DispatcherOptions{
			Rand:      d.opts.GestureRand,
			Sleep:     d.opts.Sleep,
			Publisher: d.pub,
			Voices:    voices(avatars),
		}),
		Publisher: d.pub,
		Now:       d.opts.Now,
	}
	res, err := consumer.Consume(ctx, body)
	body.Close()
	stopPoll()
	pollWG.Wait()

	if ctx.Err() != nil || !d.isCurrent(r) {
		d.discard(r, nodeID, "run cancelled")
		return
	}
	if err != nil {
		d.pub.Emit("error", "playback.failed", err.Error(), map[string]interface{}{
			"run_id":  r.id,
			"node_id": nodeID,
			"stage":   "stream",
		})
		d.commit(ctx, r, node, updated)
		return
	}
	if !res.Completed {
		d.pub.Emit("error", "playback.failed", "stream ended without completion", map[string]interface{}{
			"run_id":   r.id,
			"node_id":  nodeID,
			"stage":    "stream",
			"segments": len(acc.Segments()),
		})
		d.commit(ctx, r, node, updated)
		return
	}

	cache := res.Cache
	updated.Audio = &cache
	d.commit(ctx, r, node, updated)
	d.pub.Emit("info", "playback.completed", "", map[string]interface{}{
		"run_id":         r.id,
		"node_id":        nodeID,
		"segments":       len(cache.Segments),
		"total_duration": cache.TotalDuration,
		"parse_errors":   res.ParseErrors,
		"elapsed":        d.opts.Now().Sub(start).Seconds(),
	})
}

func (d *Driver) discard(r *run, nodeID, reason string) {
	d.pub.Emit("info", "playback.discarded", reason, map[string]interface{}{
		"run_id":  r.id,
		"node_id": nodeID,
	})
}

// commit writes the node's cache fields back once it has settled.
func (d *Driver) commit(ctx context.Context, r *run, before, after Node) {
	changed := after.Audio != before.Audio ||
		after.Derailer != before.Derailer ||
		len(after.Speakers) != len(before.Speakers)
	if !changed {
		return
	}

	if err := d.opts.Store.UpdateNode(after); err != nil {
		d.pub.Emit("error", "system.error", err.Error(), map[string]interface{}{
			"run_id":  r.id,
			"node_id": after.ID,
		})
		return
	}
	d.pub.Emit("info", "node.updated", "", map[string]interface{}{
		"node_id":  after.ID,
		"speakers": len(after.Speakers),
		"derailer": string(after.Derailer),
	})

	if after.Audio == nil || after.Audio == before.Audio {
		return
	}
	fields := map[string]interface{}{
		"node_id":        after.ID,
		"segments":       len(after.Audio.Segments),
		"total_duration": after.Audio.TotalDuration,
		"archived":       false,
	}
	if d.opts.Archive != nil {
		if err := d.opts.Archive.SaveNodeAudio(ctx, after.ID, *after.Audio); err != nil {
			d.pub.Emit("warning", "system.error", fmt.Sprintf("archive node audio: %v", err), map[string]interface{}{
				"node_id": after.ID,
			})
		} else {
			fields["archived"] = true
		}
	}
	d.pub.Emit("info", "node.cache_written", "", fields)
}

// poll reports wall-clock progress while a node plays.
func (d *Driver) poll(ctx context.Context, r *run, nodeID string, start time.Time, acc *timeline.Accumulator) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pub.Emit("debug", "playback.progress", "", map[string]interface{}{
				"run_id":         r.id,
				"node_id":        nodeID,
				"elapsed":        d.opts.Now().Sub(start).Seconds(),
				"total_duration": acc.TotalDuration(),
			})
		}
	}
}

func voices(avatars []speech.Avatar) map[string]string {
	out := make(map[string]string, len(avatars))
	for _, a := range avatars {
		if a.Voice != "" {
			out[a.ElementID] = a.Voice
		}
	}
	return out
}
