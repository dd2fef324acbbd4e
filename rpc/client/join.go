package client

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"go.uber.org/zap"
)

// JoinCluster asks the member whose join listener runs on joinEndpoint to add
// member to its replica group. Connection failures and temporary rejections
// (a membership change in progress, a cancelled request) are retried up to
// retries times with a doubling pause. A member that already belongs to the
// group counts as joined.
func JoinCluster(dial Dialer, joinEndpoint string, member statemgr.Member, retries int, logger *zap.Logger) (store.ConsensusCode, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("join").With(zap.String("seed", joinEndpoint), zap.Stringer("member", member))
	attempts := max(1, retries)
	delay := initialBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay = min(2*delay, maxBackoff)
		}

		code, msg, err := requestJoin(dial, joinEndpoint, member)
		if err != nil {
			lastErr = err
			logger.Warn("join request failed", zap.Int("attempt", i+1), zap.Int("attempts", attempts), zap.Error(err))
			continue
		}

		switch code {
		case store.ConsensusOK, store.ConsensusServerAlreadyExists:
			logger.Info("joined replica group", zap.Stringer("code", code), zap.String("msg", msg))
			return code, msg, nil
		case store.ConsensusConfigChanging, store.ConsensusCancelled, store.ConsensusTimeout:
			lastErr = fmt.Errorf("%s: %s", code, msg)
			logger.Warn("join rejected, retrying", zap.Stringer("code", code), zap.String("msg", msg))
		default:
			return code, msg, nil
		}
	}
	return store.ConsensusFailed, "", fmt.Errorf("failed to join after %d attempts: %w", attempts, lastErr)
}

func requestJoin(dial Dialer, joinEndpoint string, member statemgr.Member) (store.ConsensusCode, string, error) {
	conn, err := dial(joinEndpoint)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = conn.Close() }()

	resp, err := conn.Call(common.NewJoinRequest(member))
	if err != nil {
		return 0, "", err
	}
	return store.ConsensusCode(resp.ConsensusRC), resp.Msg, nil
}
