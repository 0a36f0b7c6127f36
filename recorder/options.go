// Package recorder injects the in-page event recorder and bridges its
// opaque JSON events back to the host (spec §4.4). The host never parses
// recorder output beyond the two fields streaming.RecorderEvent exposes;
// everything else is the in-page library's business.
package recorder

// optionsJSON is the recorder's start() option literal, applied verbatim
// per spec §6. It is a package-level constant, never recomputed at
// runtime, so every session records with identical fidelity settings.
const optionsJSON = `{
	"checkoutEveryNms": 5000,
	"sampling": { "scroll": 100, "media": 400, "input": "last" },
	"slimDOMOptions": { "script": false, "comment": false, "headFavicon": false },
	"maskInputOptions": { "password": true }
}`

// BridgeName is the page-side function name the recorder forwards
// serialized events to (spec §6).
const BridgeName = "sendRRWebEvent"

// progressPingDelayMs is how long, in milliseconds, the injector waits for
// the first event before emitting a synthetic progress ping (spec §4.4
// step 4).
const progressPingDelayMs = 2000

// defaultVendorPath is the URL the loader script fetches the recorder
// library from. A visual session runs the library off the same origin it
// ships the rest of its frontend assets from; InjectorConfig.VendorPath
// overrides it when NewInjector renders the script, for deployments that
// vendor it elsewhere.
const defaultVendorPath = "/static/vendor/rrweb.min.js"
