package vtd

import (
	"context"
	"fmt"
)

// poll calls done until it reports true, returns an error, or the wait is
// exhausted. Exhaustion and cancellation are reported as ErrTimeout.
func (e *Engine) poll(ctx context.Context, what string, done func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Poll.Timeout)
	defer cancel()

	for n := 1; ; n++ {
		ok, err := done()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		if lim := e.cfg.Poll.Limit; lim > 0 && n >= lim {
			e.log.Error("hardware wait exhausted", "wait", what, "reads", n)
			return fmt.Errorf("%w: engine %d: %s after %d reads", ErrTimeout, e.id, what, n)
		}

		if err := ctx.Err(); err != nil {
			e.log.Error("hardware wait exhausted", "wait", what, "reads", n, "err", err)
			return fmt.Errorf("%w: engine %d: %s: %w", ErrTimeout, e.id, what, err)
		}
	}
}

// command writes GSTS, minus the one-shot status bits, plus set and minus
// clr, to GCMD. It then waits for the status bit to read as on.
func (e *Engine) command(ctx context.Context, what string, set, clr, status uint32, on bool) error {
	r := e.unit.Regs

	v := r.Read32(regGSTS) & gstsOneShotMask
	v |= set
	v &^= clr

	r.Write32(regGCMD, v)

	return e.poll(ctx, what, func() (bool, error) {
		return (r.Read32(regGSTS)&status != 0) == on, nil
	})
}
