package tools

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ym-dskr/talk-system/core/tools"

var tracer = otel.Tracer(scopeName)
