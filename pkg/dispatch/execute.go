package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

func (d *Dispatcher[C]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Dispatcher[C]) send(ctx context.Context, cmd Command[C], to Member) (json.RawMessage, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", cmd.Kind(), err)
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	resp, err := d.factory.request(ctx, to, envelope{Dispatcher: d.id, Kind: cmd.Kind(), Payload: payload})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s on %s: %s", ErrCommandFailed, cmd.Kind(), to, resp.Error)
	}
	return resp.Result, nil
}

// Execute runs cmd on member and decodes its result into R. It blocks until
// the member answers, ctx is done, or the dispatcher timeout elapses.
func Execute[R any, C any](ctx context.Context, d *Dispatcher[C], cmd Command[C], member Member) (R, error) {
	var result R
	raw, err := d.send(ctx, cmd, member)
	if err != nil {
		return result, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, fmt.Errorf("failed to decode %s result: %w", cmd.Kind(), err)
		}
	}
	return result, nil
}

// ExecuteAll runs cmd on every current member except excluded, in parallel,
// and returns the results of the members that answered. A member that failed,
// timed out or was unreachable is absent from the map; ExecuteAll itself
// never fails.
func ExecuteAll[R any, C any](ctx context.Context, d *Dispatcher[C], cmd Command[C], excluded ...Member) map[Member]R {
	targets := slices.DeleteFunc(d.Members(), func(m Member) bool {
		return slices.Contains(excluded, m)
	})

	results := make(map[Member]R, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, m := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := Execute[R](ctx, d, cmd, m)
			if err != nil {
				d.logger.Debug("no result", logging.Command(cmd.Kind()), logging.Member("member", m), logging.Error(err))
				return
			}
			mu.Lock()
			results[m] = r
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
