package chatjob

import (
	"github.com/smallbiznis/chatpoints/internal/buffer"
	"github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	"github.com/smallbiznis/chatpoints/internal/chatjob/service"
	"go.uber.org/fx"
)

var Module = fx.Module("chatjob.service",
	fx.Provide(service.ProvideConfig),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Queue { return s }),
	fx.Provide(func(s *service.Service) buffer.Sink { return s }),
)
