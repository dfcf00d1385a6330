package retryable

import (
	"context"
	"errors"
	"time"
)

/*
Call pattern:
	err := Retry(ctx, func() error {
		var err error
		someResult, err = whatever()
		return err
	})

	// options are reduced into one, last wins for repeated instructions
	err := RetryWithOpts(ctx, fn,
		WithRetryIfErrorIs(someErr),
		WithMaxRetryCount(3),
		WithBackoff(NewBackoff(100*time.Millisecond, time.Second)))

	in all cases the only errors returned are errors generated by fn itself
	or ctx.Err() when the context ends while waiting between attempts.
*/

type OptionType string

const (
	Invalid         OptionType = ""
	ErrorFilterFunc OptionType = "ef"
	RetryCountFunc  OptionType = "cf"
	BackoffFunc     OptionType = "bo"

	DefaultRetryCount = 5
)

type Option struct {
	Type OptionType

	// Called when fn returns an error. true means the error is retryable
	ErrorFilterFunc func(error) bool
	// Called before every retry. false stops retrying and the last error is returned
	RetryCountFunc func() bool
	// Returns how long to wait before the next attempt
	BackoffFunc func() time.Duration
}

type RetryableCall func() error

// Retry retries with all default options
func Retry(ctx context.Context, toCall RetryableCall) error {
	return retryWithOption(ctx, toCall, &Option{})
}

// RetryWithOpts rolls all options into one (last wins) and retries
func RetryWithOpts(ctx context.Context, toCall RetryableCall, opts ...*Option) error {
	return retryWithOption(ctx, toCall, reduceOpts(opts))
}

func retryWithOption(ctx context.Context, toCall RetryableCall, option *Option) error {
	err := toCall()
	if err == nil {
		return nil
	}

	// defaults are only computed when we have to retry
	defaultOption(option)

	for {
		if !option.ErrorFilterFunc(err) {
			return err
		}

		if !option.RetryCountFunc() {
			return err
		}

		t := time.NewTimer(option.BackoffFunc())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		err = toCall()
		if err == nil {
			return nil
		}
	}
}

func reduceOpts(opts []*Option) *Option {
	reduced := &Option{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		switch opt.Type {
		case ErrorFilterFunc:
			reduced.ErrorFilterFunc = opt.ErrorFilterFunc
		case RetryCountFunc:
			reduced.RetryCountFunc = opt.RetryCountFunc
		case BackoffFunc:
			reduced.BackoffFunc = opt.BackoffFunc
		default:
			// ignored opt
		}
	}

	return reduced
}

func defaultOption(reduced *Option) {
	if reduced.ErrorFilterFunc == nil {
		reduced.ErrorFilterFunc = WithRetryIfErrorAny().ErrorFilterFunc
	}

	if reduced.RetryCountFunc == nil {
		reduced.RetryCountFunc = WithMaxRetryCount(DefaultRetryCount).RetryCountFunc
	}

	if reduced.BackoffFunc == nil {
		reduced.BackoffFunc = WithBackoff(NewBackoff(DefaultInitialInterval, DefaultMaxInterval)).BackoffFunc
	}
}

func WithRetryableErrorFilter(fn func(error) bool) *Option {
	return &Option{
		Type:            ErrorFilterFunc,
		ErrorFilterFunc: fn,
	}
}

// retry if any error
func WithRetryIfErrorAny() *Option {
	return WithRetryableErrorFilter(func(e error) bool {
		return e != nil
	})
}

// retry if errors.Is(err, cmp)
func WithRetryIfErrorIs(cmp error) *Option {
	return WithRetryableErrorFilter(func(e error) bool {
		return errors.Is(e, cmp)
	})
}

// sets max retry count. Count is clamped to [0, 10]
func WithMaxRetryCount(count int) *Option {
	current := 0
	if count < 0 || count > 10 {
		count = 10 // arbitrary really.
	}
	return &Option{
		Type: RetryCountFunc,
		RetryCountFunc: func() bool {
			if current >= count {
				return false
			}
			current = current + 1
			return true
		},
	}
}

// waits between attempts according to b. b is owned by the option
func WithBackoff(b *Backoff) *Option {
	return &Option{
		Type:        BackoffFunc,
		BackoffFunc: b.Next,
	}
}
