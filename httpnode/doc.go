// Package httpnode monitors HTTP health endpoints.
//
// An [Endpoint] polls one URL through a shared [Client] and interprets the
// response with a [StatusExtractor]:
//
//	client := httpnode.NewClient()
//	ep, err := httpnode.New("API", "https://api.example.com/health", client,
//	    httpnode.WithLabels("env", "prod"),
//	    httpnode.WithExtractor(httpnode.JSONFieldExtractor("data.status")),
//	)
package httpnode
