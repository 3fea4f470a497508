// Package registry loads the gateway's server registry: a YAML or JSON
// document listing backend tool servers, their transports and the routing
// table that maps tool names to servers.
//
// Placeholders of the form ${env:VAR} or ${env:VAR:default} in url, command,
// args, env, headers and health_check_url are substituted at load time. An
// optional catalog (catalog.url, fetched via afs) contributes dynamically
// discovered servers; static entries take precedence over catalog entries of
// the same name.
//
// Readers see immutable snapshots. Reload validates the whole document before
// publishing, so a bad edit leaves the previous snapshot serving.
package registry
