// Package loghub fans structured log lines out to live consumers.
//
// A Hub accepts lines from any goroutine and copies each one into the
// bounded queue of every current Subscriber. Publishing never waits on a
// consumer: when a queue is full its oldest line is discarded and counted
// in Subscriber.Dropped. A Subscriber is released by Close, Hub.Unsubscribe
// or Hub.Close, after which Next returns ErrClosed.
//
// Core adapts the hub to zap, so any *zap.Logger built on it publishes
// its entries. ErrorCounter is a second zap core that counts ERROR and
// above over a trailing window; it feeds the errors metric.
//
// Usage:
//
//	hub := loghub.New()
//	logger := zap.New(zapcore.NewTee(console, loghub.NewCore(hub, zapcore.InfoLevel)))
//
//	sub := hub.Subscribe()
//	defer sub.Close()
//	for {
//		line, err := sub.Next(ctx)
//		if err != nil {
//			return
//		}
//		fmt.Println(line)
//	}
package loghub
