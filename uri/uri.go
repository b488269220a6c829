package uri

// Authorization protocol URIs.
const (
	AuthorizationAPI = "/api/authorization/v1"

	ClientsInstance = "/clients/instance"
	Authorization   = "/authorization"
	Token           = "/token"

	// RedirectURI is the fixed local redirect target of the authorization flow.
	RedirectURI = "http://localhost"
)

// Query keys and fixed values.
const (
	ResponseTypeQueryKey = "response_type"
	ClientIDQueryKey     = "client_id"
	RedirectURIQueryKey  = "redirect_uri"
	ScopeQueryKey        = "scope"
	CodeQueryKey         = "code"
	GrantTypeQueryKey    = "grant_type"
	ResultQueryKey       = "wl_result"

	ResponseTypeCode = "code"
	GrantTypeCode    = "authorization_code"

	CSRFormKey = "CSR"
)

// Protocol headers.
const (
	AuthenticateHeaderKey  = "X-WL-Authenticate"
	SessionHeaderKey       = "X-WL-Session"
	RewriteDomainHeaderKey = "X-REWRITE-DOMAIN"

	// CompositeChallenge marks a 401 whose body carries realm challenges
	// rather than a plain authentication failure.
	CompositeChallenge = "WL-Composite-Challenge"
)

// Result blocks and body framing.
const (
	AuthenticationSuccessKey = "WL-Authentication-Success"
	AuthenticationFailureKey = "WL-Authentication-Failure"
	ChallengesKey            = "challenges"

	SecureJSONPrefix = "/*-secure-\n"
	SecureJSONSuffix = "*/"
)

// Response body fields.
const (
	CertificateKey = "certificate"
	AccessTokenKey = "access_token"
	IDTokenKey     = "id_token"
)
