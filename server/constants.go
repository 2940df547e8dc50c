package server

import "github.com/dotside-studios/tagsync-agent/buildinfo"

// MDNSServiceName is the instance name advertised over mDNS.
var MDNSServiceName = buildinfo.DisplayName

// APISecretHeader carries the API secret on HTTP requests. Websocket clients
// pass it as the secret query parameter instead.
const APISecretHeader = "X-API-Secret"

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization, " + APISecretHeader
)
