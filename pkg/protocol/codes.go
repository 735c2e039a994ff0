package protocol

// ErrorCode is the one-character status code shared with peers.
type ErrorCode byte

const (
	CodeInitOk               ErrorCode = 'i'
	CodePreProcessingOk      ErrorCode = 'B'
	CodeTransferOk           ErrorCode = 'X'
	CodePostProcessingOk     ErrorCode = 'P'
	CodeCompleteOk           ErrorCode = 'O'
	CodeConnectionImpossible ErrorCode = 'C'
	CodeServerOverloaded     ErrorCode = 'l'
	CodeBadAuthent           ErrorCode = 'A'
	CodeExternalOp           ErrorCode = 'E'
	CodeTransferError        ErrorCode = 'T'
	CodeMD5Error             ErrorCode = 'M'
	CodeDisconnection        ErrorCode = 'D'
	CodeRemoteShutdown       ErrorCode = 'r'
	CodeFinalOp              ErrorCode = 'F'
	CodeUnimplemented        ErrorCode = 'U'
	CodeShutdown             ErrorCode = 'S'
	CodeRemoteError          ErrorCode = 'R'
	CodeInternal             ErrorCode = 'I'
	CodeStoppedTransfer      ErrorCode = 'H'
	CodeCanceledTransfer     ErrorCode = 'K'
	CodeWarning              ErrorCode = 'W'
	CodeUnknown              ErrorCode = '-'
	CodeQueryAlreadyFinished ErrorCode = 'Q'
	CodeQueryStillRunning    ErrorCode = 's'
	CodeNotKnownHost         ErrorCode = 'N'
	CodeQueryRemotelyUnknown ErrorCode = 'u'
	CodeFileNotFound         ErrorCode = 'f'
	CodeCommandNotFound      ErrorCode = 'c'
	CodePassThroughMode      ErrorCode = 'p'
	CodeRunning              ErrorCode = 'z'
	CodeIncorrectCommand     ErrorCode = 'n'
	CodeFileNotAllowed       ErrorCode = 'a'
	CodeSizeNotAllowed       ErrorCode = 'd'
)

var codeNames = map[ErrorCode]string{
	CodeInitOk:               "InitOk",
	CodePreProcessingOk:      "PreProcessingOk",
	CodeTransferOk:           "TransferOk",
	CodePostProcessingOk:     "PostProcessingOk",
	CodeCompleteOk:           "CompleteOk",
	CodeConnectionImpossible: "ConnectionImpossible",
	CodeServerOverloaded:     "ServerOverloaded",
	CodeBadAuthent:           "BadAuthent",
	CodeExternalOp:           "ExternalOp",
	CodeTransferError:        "TransferError",
	CodeMD5Error:             "MD5Error",
	CodeDisconnection:        "Disconnection",
	CodeRemoteShutdown:       "RemoteShutdown",
	CodeFinalOp:              "FinalOp",
	CodeUnimplemented:        "Unimplemented",
	CodeShutdown:             "Shutdown",
	CodeRemoteError:          "RemoteError",
	CodeInternal:             "Internal",
	CodeStoppedTransfer:      "StoppedTransfer",
	CodeCanceledTransfer:     "CanceledTransfer",
	CodeWarning:              "Warning",
	CodeUnknown:              "Unknown",
	CodeQueryAlreadyFinished: "QueryAlreadyFinished",
	CodeQueryStillRunning:    "QueryStillRunning",
	CodeNotKnownHost:         "NotKnownHost",
	CodeQueryRemotelyUnknown: "QueryRemotelyUnknown",
	CodeFileNotFound:         "FileNotFound",
	CodeCommandNotFound:      "CommandNotFound",
	CodePassThroughMode:      "PassThroughMode",
	CodeRunning:              "Running",
	CodeIncorrectCommand:     "IncorrectCommand",
	CodeFileNotAllowed:       "FileNotAllowed",
	CodeSizeNotAllowed:       "SizeNotAllowed",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown(" + string(rune(c)) + ")"
}

// Known reports whether c is one of the defined codes.
func (c ErrorCode) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// Retryable reports whether a transfer that failed with c may be resubmitted.
// Everything else is terminal for the transfer.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeConnectionImpossible, CodeServerOverloaded, CodeTransferError,
		CodeDisconnection, CodeRemoteShutdown, CodeShutdown, CodeStoppedTransfer,
		CodeQueryStillRunning, CodeInternal:
		return true
	}
	return false
}
