package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

// collectorBatch bounds how results are batched for logging.
var collectorBatch = longpoll.ChannelConfig{
	MaxSize:        64,
	MinSize:        8,
	PartialTimeout: time.Second,
}

// collect drains check results in batches, publishing each to the board and
// logging a summary, until ctx is done or results is closed.
func collect(ctx context.Context, log *logiface.Logger[logiface.Event], board *statusBoard, results <-chan checkResult) error {
	var batch []checkResult
	for {
		batch = batch[:0]
		err := longpoll.Channel(ctx, &collectorBatch, results, func(res checkResult) error {
			batch = append(batch, res)
			return nil
		})

		var failed int
		for _, res := range batch {
			board.update(res)
			if res.Err != nil {
				failed++
				log.Warning().
					Str(`check`, res.Name).
					Str(`target`, res.Target).
					Dur(`duration`, res.Duration).
					Bool(`timed_out`, res.TimedOut).
					Err(res.Err).
					Log(`check failed`)
			}
		}
		if len(batch) != 0 {
			log.Info().
				Int(`results`, len(batch)).
				Int(`failed`, failed).
				Log(`check results`)
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}
