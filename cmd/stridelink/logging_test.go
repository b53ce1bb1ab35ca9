package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"
)

type LoggingTestSuite struct {
	suite.Suite
}

func (suite *LoggingTestSuite) newCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	return cmd
}

func (suite *LoggingTestSuite) TestDefaultIsSilent() {
	// GOAL: Verify the logger stays effectively silent without any flags
	//
	// TEST SCENARIO: No flags set → verify panic level and the standard formatter
	logger, err := configureLogger(suite.newCommand(), "verbose")
	suite.Require().NoError(err)
	suite.Equal(logrus.PanicLevel, logger.GetLevel())
	suite.IsType(&logrus.TextFormatter{}, logger.Formatter)
}

func (suite *LoggingTestSuite) TestLogLevelWinsOverVerbose() {
	// GOAL: Verify --log-level takes precedence over the verbose flag
	//
	// TEST SCENARIO: Set both --log-level warn and --verbose → verify warn level
	cmd := suite.newCommand()
	suite.Require().NoError(cmd.Flags().Set("log-level", "warn"))
	suite.Require().NoError(cmd.Flags().Set("verbose", "true"))

	logger, err := configureLogger(cmd, "verbose")
	suite.Require().NoError(err)
	suite.Equal(logrus.WarnLevel, logger.GetLevel())
}

func (suite *LoggingTestSuite) TestVerboseFallsBackToDebug() {
	// GOAL: Verify the verbose flag alone raises the level to debug
	//
	// TEST SCENARIO: Set only --verbose → verify debug level
	cmd := suite.newCommand()
	suite.Require().NoError(cmd.Flags().Set("verbose", "true"))

	logger, err := configureLogger(cmd, "verbose")
	suite.Require().NoError(err)
	suite.Equal(logrus.DebugLevel, logger.GetLevel())
}

func (suite *LoggingTestSuite) TestInvalidLevelErrors() {
	// GOAL: Verify an unparseable level is rejected with a usable message
	//
	// TEST SCENARIO: Set --log-level nonsense → verify error
	cmd := suite.newCommand()
	suite.Require().NoError(cmd.Flags().Set("log-level", "nonsense"))

	_, err := configureLogger(cmd, "verbose")
	suite.Error(err)
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
