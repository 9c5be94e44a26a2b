package actions

// store keys
const (
	KeyAccount             = "account"
	KeySession             = "session"
	KeyPreferredTheme      = "preferredTheme"
	KeyPreferredLocale     = "nvp_preferredLocale"
	KeyTryFocusMode        = "nvp_tryFocusMode"
	KeyPrivateSubscription = "nvp_private_subscription"
	KeyIsLoadingApp        = "isLoadingApp"

	// collections
	CollectionReport         = "report_"
	CollectionReportMetadata = "reportMetadata_"
)

// survive the store clear when the acting identity changes
var KeysToPreserveDelegateAccess = []string{
	KeyTryFocusMode,
	KeyPreferredTheme,
	KeyPreferredLocale,
	KeySession,
}

func ReportKey(reportId string) string {
	return CollectionReport + reportId
}

func ReportMetadataKey(reportId string) string {
	return CollectionReportMetadata + reportId
}

// remote commands
const (
	CommandOpenApp     = "OpenApp"
	CommandAddDelegate = "AddDelegate"
	// side effects
	CommandConnectAsDelegate    = "ConnectAsDelegate"
	CommandDisconnectAsDelegate = "DisconnectAsDelegate"

	CommandResendValidateCode                         = "ResendValidateCode"
	CommandOpenSubscriptionPage                       = "OpenSubscriptionPage"
	CommandUpdateSubscriptionAutoRenew                = "UpdateSubscriptionAutoRenew"
	CommandUpdateSubscriptionAddNewUsersAutomatically = "UpdateSubscriptionAddNewUsersAutomatically"
	CommandOpenReport                                 = "OpenReport"
)

const (
	PendingActionAdd    = "add"
	PendingActionUpdate = "update"
)

// translation keys for error markers
const (
	TranslationDelegateGenericError   = "delegate.genericError"
	TranslationValidateSecondaryLogin = "contacts.genericFailureMessages.validateSecondaryLogin"
	TranslationGenericErrorMessage    = "common.genericErrorMessage"
)
