package server

import (
	"fmt"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"go.uber.org/zap"
)

// NewJoinAdapter creates the adapter of the join listener.
func NewJoinAdapter(replica IReplica, logger *zap.Logger) IRPCServerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &joinAdapter{replica: replica, logger: logger.Named("join")}
}

type joinAdapter struct {
	replica IReplica
	logger  *zap.Logger
}

func (a *joinAdapter) Handle(_ int, req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTPing:
		return common.NewPingResponse()
	case common.MsgTJoin:
		member := req.Member()
		code, msg := a.replica.AddServer(member)
		if code == store.ConsensusOK {
			a.logger.Info("server joined", zap.Stringer("member", member))
		} else {
			a.logger.Warn("join rejected",
				zap.Stringer("member", member), zap.Stringer("code", code), zap.String("msg", msg))
		}
		return common.NewJoinResponse(code, msg)
	default:
		return common.NewErrorResponse(fmt.Sprintf("join adapter: unsupported message type: %s", req.MsgType))
	}
}
