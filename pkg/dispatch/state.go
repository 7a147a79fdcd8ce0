package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// stateKind is the reserved command kind for state transfer requests.
const stateKind = "_state"

// Stateful is implemented by dispatcher targets whose state must be copied to
// joining members. The coordinator writes, the joiner reads, once per join.
type Stateful interface {
	WriteState(w io.Writer) error
	ReadState(r io.Reader) error
}

func (d *Dispatcher[C]) serveState() response {
	d.mu.RLock()
	s := d.stateful
	d.mu.RUnlock()
	if s == nil {
		return response{}
	}

	var buf bytes.Buffer
	err := s.WriteState(&buf)
	var compressed []byte
	if err == nil {
		compressed = snappy.Encode(nil, buf.Bytes())
	}
	if d.metrics != nil {
		d.metrics.RecordStateTransfer(d.id, "sent", len(compressed), err)
	}
	if err != nil {
		d.logger.Error("failed to write state", logging.Error(err))
		return response{Error: err.Error()}
	}

	data, err := json.Marshal(compressed)
	if err != nil {
		return response{Error: err.Error()}
	}
	return response{Result: data}
}

// needsTransferLocked reports whether this node still has to fetch state for
// view. The coordinator of a multi-member view owns the state and never
// fetches. transferMu must be held.
func (d *Dispatcher[C]) needsTransferLocked(view group.View) bool {
	if d.transferred {
		return false
	}
	d.mu.RLock()
	hasState := d.stateful != nil
	d.mu.RUnlock()
	if !hasState {
		return false
	}

	coord, ok := view.Coordinator()
	if !ok {
		return false
	}
	if coord == d.Local() {
		if view.Size() > 1 {
			d.transferred = true
		}
		return false
	}
	return true
}

func (d *Dispatcher[C]) needsTransfer(view group.View) bool {
	d.transferMu.Lock()
	defer d.transferMu.Unlock()
	return d.needsTransferLocked(view)
}

// transferState fetches the coordinator's state and applies it, at most once.
func (d *Dispatcher[C]) transferState(ctx context.Context, view group.View) error {
	d.transferMu.Lock()
	defer d.transferMu.Unlock()
	if !d.needsTransferLocked(view) {
		return nil
	}

	coord, _ := view.Coordinator()
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	timer := logging.StartTimer(d.logger, "state received", logging.Member("coordinator", coord))
	size, err := d.fetchState(ctx, coord)
	if d.metrics != nil {
		d.metrics.RecordStateTransfer(d.id, "received", size, err)
	}
	if err != nil {
		return fmt.Errorf("%w from %s: %v", ErrStateTransfer, coord, err)
	}
	d.transferred = true
	timer.End(logging.Int("bytes", size))
	return nil
}

func (d *Dispatcher[C]) fetchState(ctx context.Context, coord Member) (int, error) {
	resp, err := d.factory.request(ctx, coord, envelope{Dispatcher: d.id, Kind: stateKind})
	if err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}
	if len(resp.Result) == 0 {
		return 0, nil
	}

	var compressed []byte
	if err := json.Unmarshal(resp.Result, &compressed); err != nil {
		return 0, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return 0, fmt.Errorf("failed to decompress state: %w", err)
	}

	d.mu.RLock()
	s := d.stateful
	d.mu.RUnlock()
	if err := s.ReadState(bytes.NewReader(raw)); err != nil {
		return 0, err
	}
	return len(compressed), nil
}
