package coremain

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/strandapp/strand/mlog"
	"go.uber.org/zap"
)

var svcCfg = &service.Config{
	Name:        "strand",
	DisplayName: "strand",
	Description: "Strand application server",
	Arguments:   []string{"start", "--as-service"},
}

var svc service.Service

// serverService adapts the server to the system service manager.
type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(_ service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			exit(ExitCode(err))
		}
		exit(0)
	}()
	return nil
}

func (ss *serverService) Stop(_ service.Service) error {
	shutdownRunning()
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	s, err := service.New(&serverService{f: &serverFlags{asService: true}}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("failed to %s service, %w", action, err)
			}
			cmd.Printf("service %s: done\n", action)
			return nil
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of the strand service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status()
			if err != nil {
				return fmt.Errorf("failed to get service status, %w", err)
			}
			switch status {
			case service.StatusRunning:
				cmd.Println("running")
			case service.StatusStopped:
				cmd.Println("stopped")
			default:
				cmd.Println("unknown")
			}
			return nil
		},
	}
}
