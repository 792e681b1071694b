package engine

import "github.com/marmos91/cfdp/internal/protocol/cfdp"

// TxnStatus is the final disposition latched into a transaction. The
// values 0-15 coincide with the CFDP condition codes so they can be
// echoed directly in FIN PDUs; negative and high values cover local
// conditions the protocol cannot express.
type TxnStatus int8

const (
	StatusUndefined TxnStatus = -1

	StatusNoError                 TxnStatus = TxnStatus(cfdp.CondNoError)
	StatusAckLimitReached         TxnStatus = TxnStatus(cfdp.CondPosAckLimitReached)
	StatusKeepAliveLimitReached   TxnStatus = TxnStatus(cfdp.CondKeepAliveLimitReached)
	StatusInvalidTransmissionMode TxnStatus = TxnStatus(cfdp.CondInvalidTransmissionMode)
	StatusFilestoreRejection      TxnStatus = TxnStatus(cfdp.CondFilestoreRejection)
	StatusFileChecksumFailure     TxnStatus = TxnStatus(cfdp.CondFileChecksumFailure)
	StatusFileSizeError           TxnStatus = TxnStatus(cfdp.CondFileSizeError)
	StatusNakLimitReached         TxnStatus = TxnStatus(cfdp.CondNakLimitReached)
	StatusInactivityTimerExpired  TxnStatus = TxnStatus(cfdp.CondInactivityDetected)
	StatusInvalidFileStructure    TxnStatus = TxnStatus(cfdp.CondInvalidFileStructure)
	StatusCheckLimitReached       TxnStatus = TxnStatus(cfdp.CondCheckLimitReached)
	StatusUnsupportedChecksumType TxnStatus = TxnStatus(cfdp.CondUnsupportedChecksumType)
	StatusSuspendRequestReceived  TxnStatus = TxnStatus(cfdp.CondSuspendRequestReceived)
	StatusCancelRequestReceived   TxnStatus = TxnStatus(cfdp.CondCancelRequestReceived)
)

// IsError reports whether the status reflects a failed transfer.
func (s TxnStatus) IsError() bool {
	return s != StatusUndefined && s != StatusNoError
}

// ConditionCode translates the status into the condition code reported
// in FIN PDUs. Undefined maps to NO_ERROR.
func (s TxnStatus) ConditionCode() cfdp.ConditionCode {
	if s < 0 || s > 15 {
		return cfdp.CondNoError
	}
	return cfdp.ConditionCode(s)
}

func (s TxnStatus) String() string {
	if s == StatusUndefined {
		return "UNDEFINED"
	}
	return s.ConditionCode().String()
}
