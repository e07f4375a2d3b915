// Package register registers every built-in module implementation and the remote module proxy.
package register

import (
	// register the remote module proxy.
	_ "go.labforge.io/labkernel/gateway"
	// register hardware.
	_ "go.labforge.io/labkernel/modules/hardware/positionerdummy"
	_ "go.labforge.io/labkernel/modules/hardware/spectrometerdummy"
	// register logic.
	_ "go.labforge.io/labkernel/modules/logic/spectrometer"
	_ "go.labforge.io/labkernel/modules/logic/stagecontrol"
	// register presentation.
	_ "go.labforge.io/labkernel/modules/presentation/stageconsole"
)
