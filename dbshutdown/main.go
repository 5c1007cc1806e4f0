// Command dbshutdown is the scheduled function that stops the database instance.
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/animus-labs/dbschedule/internal/dbinstance"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("function", "dbshutdown")

	s, err := dbinstance.FromEnv(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	lambda.Start(s.Handler(dbinstance.ActionStop))
}
