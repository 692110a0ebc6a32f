package provider

// Page-visible error messages.
const (
	msgDisconnected            = "Disconnected from chain. Attempting to connect."
	msgPermanentlyDisconnected = "Disconnected from the wallet backend. Page reload required."
	msgInvalidRequestMethod    = "'args.method' must be a non-empty string."
	msgInvalidRequestParams    = "'args.params' must be an object or array if provided."
	msgInvalidBatch            = "Batch requests must be made with an array of request objects."
	msgNilRequest              = "request must not be nil"
)

// Deprecation and experimental warnings, each logged once per provider.
const (
	warnEnableDeprecation = "'ethereum.enable()' is deprecated and may be removed in the future. " +
		"Please use the 'eth_requestAccounts' RPC method instead."
	warnSendDeprecation = "'ethereum.send(...)' is deprecated and may be removed in the future. " +
		"Please use 'ethereum.sendAsync(...)' or 'ethereum.request(...)' instead."
	warnExperimentalMethods = "'ethereum._metamask' exposes non-standard, experimental methods. " +
		"They may be removed or changed without warning."
)

// deprecatedEvents maps each legacy event name to its warning.
var deprecatedEvents = map[string]string{
	EventClose: "The event 'close' is deprecated and may be removed in the future. " +
		"Please use 'disconnect' instead.",
	EventData: "The event 'data' is deprecated and will be removed in the future. " +
		"Use 'message' instead.",
	EventNetworkChanged: "The event 'networkChanged' is deprecated and may be removed in the future. " +
		"Use 'chainChanged' instead.",
	EventNotification: "The event 'notification' is deprecated and may be removed in the future. " +
		"Use 'message' instead.",
}
