package factory

import (
	"net/http"
	"time"

	"github.com/voxbridge/voxbridge-server/pkg/auth"
	"github.com/voxbridge/voxbridge-server/pkg/config"
	"github.com/voxbridge/voxbridge-server/pkg/controllers"
	"github.com/voxbridge/voxbridge-server/pkg/inference"
)

// ApplicationControllers groups the controllers the router serves.
type ApplicationControllers struct {
	WebSocketController *controllers.WebSocketController
}

type AppFactory struct {
	AppConfig   *config.AppConfig
	Controllers *ApplicationControllers
}

// NewAppFactory wires the application graph: the auth gate (including
// its once-off JWKS fetch), the backend stream dialer and the
// controllers on top of them.
func NewAppFactory(appCnf *config.AppConfig) (*AppFactory, error) {
	gate, err := auth.NewGate(&appCnf.AuthInfo, &http.Client{Timeout: 10 * time.Second}, appCnf.Logger)
	if err != nil {
		return nil, err
	}

	dialer := inference.NewWebsocketDialer(&appCnf.InferenceInfo, appCnf.Logger)

	return &AppFactory{
		AppConfig: appCnf,
		Controllers: &ApplicationControllers{
			WebSocketController: controllers.NewWebSocketController(appCnf, gate, dialer),
		},
	}, nil
}
