package pipeline

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("pipeline pool is closed")

// Recognizer is the recognition port as the pool sees it.
type Recognizer interface {
	Recognize(ctx context.Context, frame domain.AudioFrame) ([]domain.Segment, error)
}

// Translator is the translation port as the pool sees it.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Options sizes the pool. Zero values pick defaults.
type Options struct {
	Workers     int
	FrameQueue  int
	ResultQueue int
}

type job struct {
	seq   uint64
	frame domain.AudioFrame
}

type batch struct {
	seq     uint64
	results []domain.TranscriptResult
}

// Pool turns audio frames into final transcript results on a fixed set of
// workers. Frames and results both flow through bounded channels; Submit
// blocks while the frame queue is full. Results leave in submission order.
type Pool struct {
	rec   Recognizer
	tr    Translator
	rules ports.RulesEngine
	opts  Options

	frames  chan job
	batches chan batch
	results chan domain.TranscriptResult

	submitMu sync.Mutex
	nextSeq  uint64
	closed   bool
	closing  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	workers   sync.WaitGroup
	reseqDone chan struct{}
}

func NewPool(rec Recognizer, tr Translator, rules ports.RulesEngine, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.FrameQueue <= 0 {
		opts.FrameQueue = 32
	}
	if opts.ResultQueue <= 0 {
		opts.ResultQueue = 64
	}
	return &Pool{
		rec:       rec,
		tr:        tr,
		rules:     rules,
		opts:      opts,
		frames:    make(chan job, opts.FrameQueue),
		batches:   make(chan batch, opts.Workers),
		results:   make(chan domain.TranscriptResult, opts.ResultQueue),
		closing:   make(chan struct{}),
		reseqDone: make(chan struct{}),
	}
}

// Start launches the workers and the resequencer. Backend calls inherit ctx.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.opts.Workers; i++ {
			p.workers.Add(1)
			go p.work(ctx)
		}
		go p.resequence()
		logging.Infow("pipeline started", "workers", p.opts.Workers, "frame_queue", p.opts.FrameQueue, "result_queue", p.opts.ResultQueue)
	})
}

// Submit enqueues a frame, blocking while the queue is full. The pool owns
// frame.PCM afterwards.
func (p *Pool) Submit(ctx context.Context, frame domain.AudioFrame) error {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.frames <- job{seq: p.nextSeq, frame: frame}:
		p.nextSeq++
		return nil
	case <-p.closing:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results is the final-result stream. It is closed after Close drains.
func (p *Pool) Results() <-chan domain.TranscriptResult {
	return p.results
}

// Close stops intake, lets workers finish queued frames and waits for every
// result to be handed to the result queue.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.submitMu.Lock()
		p.closed = true
		close(p.frames)
		p.submitMu.Unlock()

		p.startOnce.Do(func() {
			// Never started: nothing will drain the queues.
			close(p.batches)
			close(p.results)
			close(p.reseqDone)
		})
		p.workers.Wait()
		select {
		case <-p.reseqDone:
			return
		default:
		}
		close(p.batches)
		<-p.reseqDone
	})
}

func (p *Pool) work(ctx context.Context) {
	defer p.workers.Done()
	for j := range p.frames {
		p.batches <- batch{seq: j.seq, results: p.process(ctx, j.frame)}
	}
}

// resequence releases batches strictly in submission order.
func (p *Pool) resequence() {
	defer close(p.reseqDone)
	defer close(p.results)

	pending := make(map[uint64][]domain.TranscriptResult)
	var next uint64
	for b := range p.batches {
		pending[b.seq] = b.results
		for {
			results, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			for _, r := range results {
				p.results <- r
			}
		}
	}
}

// process recognizes one frame and translates each segment. Backend failures
// become marker text; nothing here returns an error.
func (p *Pool) process(ctx context.Context, frame domain.AudioFrame) []domain.TranscriptResult {
	if ctx.Err() != nil {
		return nil
	}
	fields := logging.FrameFields(frame.SessionID, frame.Samples, frame.Offset.Milliseconds())

	segments, err := p.rec.Recognize(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logging.Warnw("recognition failed for frame", append(fields, "error", err)...)
		return []domain.TranscriptResult{{
			SourceText: domain.RecognitionFailureMarker,
			Kind:       domain.KindFinal,
			Origin:     frame.Origin,
			SessionID:  frame.SessionID,
		}}
	}
	if len(segments) == 0 {
		logging.Debugw("frame produced no speech", fields...)
		return nil
	}

	out := make([]domain.TranscriptResult, 0, len(segments))
	for _, seg := range segments {
		if ctx.Err() != nil {
			return out
		}
		target, err := p.tr.Translate(ctx, seg.Text)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			logging.Warnw("translation failed for segment", append(fields, "error", err)...)
			target = domain.TranslationFailureMarker
		} else if p.rules != nil {
			if rewritten, rerr := p.rules.Apply(target); rerr != nil {
				logging.Warnw("glossary failed, keeping translation", append(fields, "error", rerr)...)
			} else {
				target = rewritten
			}
		}
		out = append(out, domain.TranscriptResult{
			SourceText: seg.Text,
			TargetText: target,
			Kind:       domain.KindFinal,
			Origin:     frame.Origin,
			SessionID:  frame.SessionID,
		})
	}
	return out
}
