package counter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// PendingLedger 聚合器尚未寫入計數記錄的 delta
type PendingLedger interface {
	Lease(ctx context.Context, subject Subject, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, subject Subject, owner string) error
	Drain(ctx context.Context, subject Subject, field int) (int64, error)
}

// overwriter 以權威來源的值覆寫欄位
//
// 有 ledger 時先租下主體（與 flush 互斥），算出權威值後丟棄該欄位尚未寫入的 delta 再寫入：
// 權威值已經包含這些 delta，留著的話下一次 flush 會再加一次。
type overwriter struct {
	store    Records
	ledger   PendingLedger
	owner    string
	leaseTTL time.Duration
	logger   *slog.Logger
}

func newOverwriter(store Records, logger *slog.Logger) overwriter {
	return overwriter{store: store, owner: uuid.NewString(), logger: logger}
}

func (o *overwriter) attach(ledger PendingLedger, leaseTTL time.Duration) {
	o.ledger = ledger
	o.leaseTTL = leaseTTL
}

// overwrite 在租約內呼叫 compute，並把回傳的欄位值寫入
func (o *overwriter) overwrite(ctx context.Context, subject Subject, compute func(ctx context.Context) (map[int]int64, error)) (map[int]int64, error) {
	if o.ledger != nil {
		ok, err := o.ledger.Lease(ctx, subject, o.owner, o.leaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.ErrSubjectBusy.WithDetails(subject.String())
		}
		defer func() {
			if err := o.ledger.Release(context.WithoutCancel(ctx), subject, o.owner); err != nil {
				o.logger.WarnContext(ctx, "release counter lease failed", "subject", subject.String(), "error", err)
			}
		}()
	}

	values, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	for field, value := range values {
		if o.ledger != nil {
			drained, err := o.ledger.Drain(ctx, subject, field)
			if err != nil {
				return nil, err
			}
			if drained != 0 {
				o.logger.InfoContext(ctx, "pending delta superseded by overwrite",
					"subject", subject.String(), "field", field, "delta", drained)
			}
		}
		if err := o.store.SetField(ctx, subject, field, value); err != nil {
			return nil, err
		}
	}
	return values, nil
}
