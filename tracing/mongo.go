package tracing

import (
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// MongoClientOptions returns MongoDB client options instrumented with the
// provider's tracer, kept from the teacher SDK's identical helper.
func (p *Provider) MongoClientOptions() *options.ClientOptions {
	opts := options.Client()
	opts.Monitor = otelmongo.NewMonitor(otelmongo.WithTracerProvider(p.tracerProvider))
	return opts
}
