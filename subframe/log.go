package subframe

import (
	"fmt"

	"github.com/gogpu/bufferuploads/hal"
)

func logWarnf(format string, args ...any) {
	hal.Logger().Warn(fmt.Sprintf(format, args...))
}
