package miniaudio

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/ym-dskr/talk-system/core/audio/miniaudio"

var logger = otelslog.NewLogger(scopeName)
