package state

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/ym-dskr/talk-system/core/state"

var logger = otelslog.NewLogger(scopeName)
