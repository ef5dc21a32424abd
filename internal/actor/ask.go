package actor

import "context"

// Ask sends the message built by build and waits for the single reply written
// to the channel it was given. The reply channel is buffered so the receiver
// never blocks on answering.
func Ask[M any, R any](ctx context.Context, mb *Mailbox[M], build func(reply chan<- R) M) (R, error) {
	var zero R
	reply := make(chan R, 1)
	if err := mb.Send(ctx, build(reply)); err != nil {
		return zero, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-mb.Stopped():
		// The consumer may have answered right before exiting.
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, ErrUnavailable
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
