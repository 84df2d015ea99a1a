package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/jonnyspicer/mango"

	"ensemblebot/internal/strategy"
)

func newTestExecutor(post func(mango.PostBetRequest) error) *Executor {
	return &Executor{post: post, failedBets: make(map[string]int)}
}

func TestExecuteTrade_Success(t *testing.T) {
	var got mango.PostBetRequest
	e := newTestExecutor(func(req mango.PostBetRequest) error {
		got = req
		return nil
	})

	if err := e.ExecuteTrade(context.Background(), "m1", strategy.No, 45); err != nil {
		t.Fatal(err)
	}
	if got.ContractId != "m1" || got.Outcome != "NO" || got.Amount != 45 {
		t.Errorf("unexpected request %+v", got)
	}
	if got.LimitProb != nil {
		t.Error("expected a market order without limit")
	}
}

func TestExecuteTrade_SkipsAfterRepeatedFailures(t *testing.T) {
	calls := 0
	e := newTestExecutor(func(mango.PostBetRequest) error {
		calls++
		return errors.New("timeout")
	})

	for i := 0; i < 3; i++ {
		if err := e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10); err == nil {
			t.Fatal("expected failure")
		}
	}
	err := e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10)
	if !errors.Is(err, ErrSkipped) {
		t.Errorf("expected ErrSkipped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 API calls, got %d", calls)
	}
}

func TestExecuteTrade_PermanentFailure(t *testing.T) {
	e := newTestExecutor(func(mango.PostBetRequest) error {
		return errors.New("request failed with status 403")
	})

	_ = e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10)
	if err := e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10); !errors.Is(err, ErrSkipped) {
		t.Errorf("expected permanent blacklist after 403, got %v", err)
	}
}

func TestExecuteTrade_SuccessResetsFailures(t *testing.T) {
	fail := true
	e := newTestExecutor(func(mango.PostBetRequest) error {
		if fail {
			return errors.New("flaky")
		}
		return nil
	})

	_ = e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10)
	_ = e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10)
	fail = false
	if err := e.ExecuteTrade(context.Background(), "m1", strategy.Yes, 10); err != nil {
		t.Fatal(err)
	}
	if e.failedBets["m1"] != 0 {
		t.Errorf("expected failure count reset, got %d", e.failedBets["m1"])
	}
}

func TestExecuteTrade_RejectsNone(t *testing.T) {
	e := newTestExecutor(func(mango.PostBetRequest) error {
		t.Fatal("must not post")
		return nil
	})
	if err := e.ExecuteTrade(context.Background(), "m1", strategy.None, 10); err == nil {
		t.Error("expected error for NONE direction")
	}
}
