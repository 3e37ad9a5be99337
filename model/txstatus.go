package model

// TxStatus classifies the outcome of one transmission attempt.
type TxStatus int

const (
	TxOK TxStatus = iota
	TxCollision
	TxNoAck
	TxDeferred
	TxErr
	TxErrFatal
)

func (s TxStatus) String() string {
	switch s {
	case TxOK:
		return "ok"
	case TxCollision:
		return "collision"
	case TxNoAck:
		return "noack"
	case TxDeferred:
		return "deferred"
	case TxErr:
		return "err"
	case TxErrFatal:
		return "err_fatal"
	default:
		return "unknown"
	}
}
