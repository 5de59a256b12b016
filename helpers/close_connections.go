package helpers

import (
	"github.com/sirupsen/logrus"
	"github.com/voxbridge/voxbridge-server/pkg/config"
)

func HandleCloseConnections() {
	if config.GetConfig() == nil {
		return
	}

	// flush and close the logger last
	logrus.Exit(0)
}
