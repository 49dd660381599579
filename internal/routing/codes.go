package routing

// Internal disconnect codes. The Translator maps each one to an internal
// reason for the CDR and to the final response sent to the originator.
const (
	DCResourceBusy        = 8000
	DCNoMoreProfiles      = 8001
	DCResourceStoreError  = 8002
	DCProfileLookupFailed = 8003
	DCInternalError       = 8004
	DCTimeLimit           = 8005
	DCRingingTimeout      = 8006
	DCShutdown            = 8007
	DCCancelled           = 8008
)

var defaultInternalCodes = []InternalCode{
	{Code: DCResourceBusy, Reason: "resource busy", ResponseCode: 503, ResponseReason: "Service Unavailable"},
	{Code: DCNoMoreProfiles, Reason: "no more profiles", ResponseCode: 503, ResponseReason: "No More Profiles"},
	{Code: DCResourceStoreError, Reason: "resource store error", ResponseCode: 500, ResponseReason: "Internal Server Error"},
	{Code: DCProfileLookupFailed, Reason: "profile lookup failed", ResponseCode: 500, ResponseReason: "Internal Server Error"},
	{Code: DCInternalError, Reason: "internal error", ResponseCode: 500, ResponseReason: "Internal Server Error"},
	{Code: DCTimeLimit, Reason: "call duration limit reached", ResponseCode: 200, ResponseReason: "OK"},
	{Code: DCRingingTimeout, Reason: "ringing timeout", ResponseCode: 480, ResponseReason: "Temporarily Unavailable"},
	{Code: DCShutdown, Reason: "router shutting down", ResponseCode: 503, ResponseReason: "Service Unavailable"},
	{Code: DCCancelled, Reason: "cancelled by originator", ResponseCode: 487, ResponseReason: "Request Terminated"},
}
