/*
Package sampler periodically reads the bot's health metrics and writes them to a store.

Every tick reads a Source once and appends one sample per available metric
(cpu, memory, latency, guilds, errors). Metrics are independent: a reading that
is missing, failed or not finite skips only that metric for the tick, and a
failed append is logged and retried on the next tick, never earlier.

The loop is a single goroutine driven by a time.Ticker, so ticks cannot
overlap. A tick that overruns the interval causes the ticker to drop the ticks
it missed; those are counted in Stats().Skipped.

	s := sampler.New(src, store, sampler.Config{Interval: 2 * time.Second}, logger)
	go s.Run(ctx)
	defer s.Stop()
*/
package sampler
