package seomatic

import "finitefield.org/seomatic-meta/internal/graphql"

const (
	operationName = "SeomaticMeta"
	uriVariable   = "uri"
)

// metaQuery selects every SEOmatic container for a single URI. The URI is only
// ever supplied through variables.
const metaQuery = `query SeomaticMeta($uri: String) {
  seomatic(uri: $uri, asArray: true) {
    metaTitleContainer
    metaTagContainer
    metaLinkContainer
    metaScriptContainer
    metaJsonLdContainer
  }
}`

// NewQuery builds the GraphQL request for the effective route name.
func NewQuery(routeName string) graphql.Request {
	return graphql.Request{
		Query:         metaQuery,
		OperationName: operationName,
		Variables: map[string]any{
			uriVariable: routeName,
		},
	}
}
