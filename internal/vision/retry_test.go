package vision

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// scriptedModel returns a canned result per call, in order.
type scriptedModel struct {
	results []func(ctx context.Context) (string, error)
	calls   int
}

func (m *scriptedModel) Invoke(ctx context.Context, req Request) (string, error) {
	idx := m.calls
	m.calls++
	if idx >= len(m.results) {
		return "", fmt.Errorf("unexpected call %d", idx)
	}
	return m.results[idx](ctx)
}

func (m *scriptedModel) Close() error { return nil }

func succeed(text string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) { return text, nil }
}

func fail(err error) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) { return "", err }
}

var _ = Describe("RetryingModel", func() {
	var (
		inner    *scriptedModel
		policy   RetryPolicy
		slept    []time.Duration
		sleepErr error
		model    *RetryingModel
		response string
		err      error
	)

	noopSleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return sleepErr
	}

	BeforeEach(func() {
		slept = nil
		sleepErr = nil
		policy = RetryPolicy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond}
	})

	JustBeforeEach(func() {
		model = NewRetryingModelWithDeps(inner, policy, noopSleep)
		response, err = model.Invoke(context.Background(), Request{Prompt: "p"})
	})

	When("the first attempt succeeds", func() {
		BeforeEach(func() {
			inner = &scriptedModel{results: []func(ctx context.Context) (string, error){
				succeed("ok"),
			}}
		})

		It("returns the response without retrying", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(response).To(Equal("ok"))
			Expect(inner.calls).To(Equal(1))
			Expect(slept).To(BeEmpty())
		})
	})

	When("a transient failure precedes a success", func() {
		BeforeEach(func() {
			inner = &scriptedModel{results: []func(ctx context.Context) (string, error){
				fail(fmt.Errorf("boom: %w", ErrModelUnavailable)),
				succeed("recovered"),
			}}
		})

		It("retries and returns the second response", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(response).To(Equal("recovered"))
			Expect(inner.calls).To(Equal(2))
		})

		It("waits the base backoff before the retry", func() {
			Expect(slept).To(Equal([]time.Duration{100 * time.Millisecond}))
		})
	})

	When("every attempt fails transiently", func() {
		BeforeEach(func() {
			transient := fail(fmt.Errorf("boom: %w", ErrModelUnavailable))
			inner = &scriptedModel{results: []func(ctx context.Context) (string, error){
				transient, transient, transient,
			}}
		})

		It("stops after the attempt budget", func() {
			Expect(err).To(MatchError(ErrModelUnavailable))
			Expect(inner.calls).To(Equal(3))
		})

		It("backs off exponentially", func() {
			Expect(slept).To(Equal([]time.Duration{
				100 * time.Millisecond,
				200 * time.Millisecond,
			}))
		})
	})

	When("the model rejects the request", func() {
		BeforeEach(func() {
			inner = &scriptedModel{results: []func(ctx context.Context) (string, error){
				fail(fmt.Errorf("blocked: %w", ErrModelRejected)),
			}}
		})

		It("does not retry", func() {
			Expect(err).To(MatchError(ErrModelRejected))
			Expect(inner.calls).To(Equal(1))
			Expect(slept).To(BeEmpty())
		})
	})

	When("the caller cancels during backoff", func() {
		BeforeEach(func() {
			sleepErr = context.Canceled
			inner = &scriptedModel{results: []func(ctx context.Context) (string, error){
				fail(fmt.Errorf("boom: %w", ErrModelUnavailable)),
			}}
		})

		It("abandons the request without another attempt", func() {
			Expect(err).To(MatchError(ErrModelUnavailable))
			Expect(inner.calls).To(Equal(1))
		})
	})

	When("an attempt exceeds the per-attempt timeout", func() {
		BeforeEach(func() {
			policy = RetryPolicy{MaxAttempts: 1, Timeout: 10 * time.Millisecond}
			inner = &scriptedModel{results: []func(ctx context.Context) (string, error){
				func(ctx context.Context) (string, error) {
					<-ctx.Done()
					return "", ctx.Err()
				},
			}}
		})

		It("surfaces ErrModelUnavailable instead of hanging", func() {
			Expect(err).To(MatchError(ErrModelUnavailable))
		})
	})
})
