package trident

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polycore/runtime/crypto"
	"github.com/polycore/runtime/duplex"
	"github.com/polycore/runtime/internal/telemetry"
)

// Config holds pipeline tuning knobs (§9 "configuration knobs").
type Config struct {
	QueueDepth          int
	BackpressureTimeout time.Duration
	ProtocolTag         string
	AllowedProtocolTags map[string]bool
	SessionKey          []byte
	Clock               func() time.Time

	// Metrics records per-packet classification outcomes and the CHAOS
	// repair rate (A3). Nil disables recording.
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	out := c
	if out.QueueDepth <= 0 {
		out.QueueDepth = 64
	}
	if out.BackpressureTimeout <= 0 {
		out.BackpressureTimeout = 5 * time.Second
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.AllowedProtocolTags == nil {
		out.AllowedProtocolTags = map[string]bool{out.ProtocolTag: true}
	}
	return out
}

// Pipeline is the three-channel transmit/receive/verify coordinator (§4.6).
// Each channel is one goroutine communicating only through its bounded
// inbound queue; a cancelled context or a backpressure timeout in one
// channel stops every channel promptly, so the goroutines are supervised by
// an errgroup.Group instead of a bare sync.WaitGroup. Per-packet failures,
// unrepairable CHAOS included, go to Rejected() and do not stop a channel.
type Pipeline struct {
	cfg      Config
	provider crypto.Provider

	seq        atomic.Uint64
	chaosState atomic.Bool // toggled by channel 1's sequence-token-parity bipolar state

	chaosSeen     atomic.Uint64
	chaosRepaired atomic.Uint64

	in  chan []byte
	q1  chan *Packet
	q2  chan *Packet
	out chan *Packet
	// rejects reports per-packet failures (HashMismatch, PermissionChainViolation,
	// unrepairable CHAOS) without tearing down the pipeline: one bad packet
	// must not stop the channels from processing the next one.
	rejects chan error
	// events is channel 2's "broadcast consensus event to all channels"
	// (§4.6): a best-effort, non-blocking notification stream of the final
	// classification for each delivered packet.
	events chan Classification
}

// NewPipeline constructs a Pipeline; call Start to launch its channels.
func NewPipeline(cfg Config, provider crypto.Provider) *Pipeline {
	c := cfg.withDefaults()
	return &Pipeline{
		cfg:      c,
		provider: provider,
		in:       make(chan []byte, c.QueueDepth),
		q1:       make(chan *Packet, c.QueueDepth),
		q2:       make(chan *Packet, c.QueueDepth),
		out:      make(chan *Packet, c.QueueDepth),
		rejects:  make(chan error, c.QueueDepth),
		events:   make(chan Classification, c.QueueDepth),
	}
}

// Submit enqueues payload for channel 0, subject to the same backpressure
// timeout as the internal queues.
func (p *Pipeline) Submit(ctx context.Context, payload []byte) error {
	return sendBytesWithBackpressure(ctx, p.in, payload, p.cfg.BackpressureTimeout)
}

// Delivered returns the channel of fully verified packets (rwx_flags == 0x07).
func (p *Pipeline) Delivered() <-chan *Packet { return p.out }

// Rejected returns the channel of per-packet failures.
func (p *Pipeline) Rejected() <-chan error { return p.rejects }

// Events returns channel 2's broadcast classification stream.
func (p *Pipeline) Events() <-chan Classification { return p.events }

// Close stops accepting new submissions; in-flight packets continue
// draining through q1/q2 until the channels observe the closed input.
func (p *Pipeline) Close() { close(p.in) }

// Start launches the three channel goroutines under an errgroup bound to
// ctx, returning a function that waits for them to exit (mirroring
// node/p2p_runtime.go's "launch, return joinable handle" shape).
func (p *Pipeline) Start(ctx context.Context) func() error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runTransmitter(ctx) })
	g.Go(func() error { return p.runReceiver(ctx) })
	g.Go(func() error { return p.runVerifier(ctx) })
	return g.Wait
}

func sendWithBackpressure(ctx context.Context, ch chan<- *Packet, pkt *Packet, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return tridentErr(ErrBackpressureTimeout, pkt.Header.ChannelID, pkt.Header.SequenceToken, "downstream queue full after %s", timeout)
	}
}

func sendBytesWithBackpressure(ctx context.Context, ch chan<- []byte, payload []byte, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return tridentErr(ErrBackpressureTimeout, ChannelTransmit, 0, "input queue full after %s", timeout)
	}
}

// runTransmitter is channel 0 (§4.6 Channel 0).
func (p *Pipeline) runTransmitter(ctx context.Context) error {
	defer close(p.q1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-p.in:
			if !ok {
				return nil
			}
			pkt := p.transmit(payload)
			if err := sendWithBackpressure(ctx, p.q1, pkt, p.cfg.BackpressureTimeout); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) transmit(payload []byte) *Packet {
	hash := p.provider.Digest(payload)
	encoded := duplex.Encode(payload, duplex.PolarityA)
	seq := p.seq.Add(1)

	return &Packet{
		Header: Header{
			// Stamped with the destination channel's own id: see the
			// ChannelID doc comment in packet.go for why.
			ChannelID:     ChannelReceive,
			SequenceToken: seq,
			Timestamp:     p.cfg.Clock(),
			CodecVersion:  1,
		},
		Payload: PayloadSection{
			ContentHash:   hash,
			ContentLength: uint32(len(payload)),
			Content:       encoded,
			Polarity:      duplex.PolarityA,
		},
		Verification: Verification{
			RWXFlags:    FlagWrite,
			ProtocolTag: p.cfg.ProtocolTag,
		},
		Topology: Topology{
			NextChannel:   ChannelReceive,
			PrevChannel:   ChannelTransmit,
			WheelPosition: WheelTransmit,
		},
	}
}

// runReceiver is channel 1 (§4.6 Channel 1).
func (p *Pipeline) runReceiver(ctx context.Context) error {
	defer close(p.q2)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-p.q1:
			if !ok {
				return nil
			}
			if err := p.receive(pkt); err != nil {
				p.reportReject(ctx, err)
				continue
			}
			if err := sendWithBackpressure(ctx, p.q2, pkt, p.cfg.BackpressureTimeout); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) receive(pkt *Packet) error {
	seq := pkt.Header.SequenceToken
	if pkt.Header.ChannelID != ChannelReceive {
		return tridentErr(ErrChannelMismatch, ChannelReceive, seq, "got channel_id=%s", pkt.Header.ChannelID)
	}
	if pkt.Topology.WheelPosition != WheelTransmit {
		return tridentErr(ErrWheelPositionMismatch, ChannelReceive, seq, "expected %d got %d", WheelTransmit, pkt.Topology.WheelPosition)
	}
	if pkt.Verification.RWXFlags&FlagRead != 0 {
		return tridentErr(ErrPermissionChainViolation, ChannelReceive, seq, "read bit already set on input")
	}

	decoded := duplex.Decode(pkt.Payload.Content, pkt.Payload.Polarity)
	if p.provider.Digest(decoded) != pkt.Payload.ContentHash {
		return tridentErr(ErrHashMismatch, ChannelReceive, seq, "decoded payload does not match content_hash")
	}

	// Bipolar state toggles on sequence-token parity; it's local per-channel
	// state, recorded but not otherwise consulted downstream (§4.6).
	if seq%2 == 0 {
		p.chaosState.Store(!p.chaosState.Load())
	}

	pkt.Verification.RWXFlags |= FlagRead
	pkt.Topology.WheelPosition = WheelReceive
	pkt.Topology.PrevChannel = ChannelTransmit
	pkt.Topology.NextChannel = ChannelVerify
	pkt.Header.ChannelID = ChannelVerify
	return nil
}

// runVerifier is channel 2 (§4.6 Channel 2).
func (p *Pipeline) runVerifier(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-p.q2:
			if !ok {
				return nil
			}
			if err := p.verify(pkt); err != nil {
				p.reportReject(ctx, err)
				continue
			}
			if err := sendPacketToOut(ctx, p.out, pkt); err != nil {
				return err
			}
		}
	}
}

func sendPacketToOut(ctx context.Context, ch chan<- *Packet, pkt *Packet) error {
	select {
	case ch <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const maxRepairAttempts = 1

func (p *Pipeline) verify(pkt *Packet) error {
	seq := pkt.Header.SequenceToken
	if pkt.Header.ChannelID != ChannelVerify {
		return tridentErr(ErrChannelMismatch, ChannelVerify, seq, "got channel_id=%s", pkt.Header.ChannelID)
	}
	if pkt.Topology.WheelPosition != WheelReceive {
		return tridentErr(ErrWheelPositionMismatch, ChannelVerify, seq, "expected %d got %d", WheelReceive, pkt.Topology.WheelPosition)
	}
	if pkt.Verification.RWXFlags != (FlagWrite | FlagRead) {
		return tridentErr(ErrPermissionChainViolation, ChannelVerify, seq, "expected rwx_flags=0x06 got 0x%02x", pkt.Verification.RWXFlags)
	}

	consensus := consensusMetric(pkt.Payload.Content, pkt.Topology.WheelPosition)
	d, class := classify(consensus)

	wasChaos := class == Chaos
	if wasChaos {
		p.chaosSeen.Add(1)
		repaired := repairEnzyme(pkt.Payload.Content, pkt.Payload.Polarity)
		for attempt := 0; attempt < maxRepairAttempts && class == Chaos; attempt++ {
			pkt.Payload.Content = repaired
			consensus = consensusMetric(pkt.Payload.Content, pkt.Topology.WheelPosition)
			d, class = classify(consensus)
		}
		if class == Chaos {
			p.recordOutcome(class, "rejected")
			p.recordRepairRate()
			return tridentErr(ErrIntegrityFailure, ChannelVerify, seq, "unrepairable CHAOS, discriminant=%f", d)
		}
		p.chaosRepaired.Add(1)
		p.recordRepairRate()
	}

	if !p.cfg.AllowedProtocolTags[pkt.Verification.ProtocolTag] {
		p.recordOutcome(class, "rejected")
		return tridentErr(ErrProtocolTagRejected, ChannelVerify, seq, "tag %q not in allowed set", pkt.Verification.ProtocolTag)
	}

	sig := p.provider.MAC(p.cfg.SessionKey, serializeForSignature(pkt))
	pkt.Verification.ConsensusSignature = sig
	pkt.Verification.RWXFlags |= FlagExecute
	pkt.Topology.WheelPosition = WheelVerify
	pkt.Topology.PrevChannel = ChannelReceive
	pkt.Topology.NextChannel = ChannelVerify

	select {
	case p.events <- class:
	default:
	}
	if wasChaos {
		p.recordOutcome(class, "repaired")
	} else {
		p.recordOutcome(class, "delivered")
	}
	return nil
}

// recordOutcome records one packet's final classification and pipeline
// outcome (delivered, rejected, or repaired-then-delivered) to Metrics.
func (p *Pipeline) recordOutcome(class Classification, outcome string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordPacketOutcome(class.String(), outcome)
	}
}

// recordRepairRate updates the CHAOS repair-rate gauge from this pipeline's
// lifetime repair counters.
func (p *Pipeline) recordRepairRate() {
	if p.cfg.Metrics == nil {
		return
	}
	seen := p.chaosSeen.Load()
	if seen == 0 {
		return
	}
	p.cfg.Metrics.SetChaosRepairRate(float64(p.chaosRepaired.Load()) / float64(seen))
}

func (p *Pipeline) reportReject(ctx context.Context, err error) {
	select {
	case p.rejects <- err:
	case <-ctx.Done():
	default:
	}
}
