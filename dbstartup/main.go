// Command dbstartup is the scheduled function that starts the database instance.
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/animus-labs/dbschedule/internal/dbinstance"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("function", "dbstartup")

	s, err := dbinstance.FromEnv(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	lambda.Start(s.Handler(dbinstance.ActionStart))
}
