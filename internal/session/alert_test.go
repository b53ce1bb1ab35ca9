package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type AlertStateTestSuite struct {
	suite.Suite

	cfg  AlertConfig
	base time.Time
}

func (suite *AlertStateTestSuite) SetupTest() {
	suite.cfg = AlertConfig{Fraction: 0.5, Sustain: 5 * time.Second, Cooldown: 30 * time.Second}
	suite.base = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
}

func (suite *AlertStateTestSuite) at(d time.Duration) time.Time {
	return suite.base.Add(d)
}

func (suite *AlertStateTestSuite) TestFiresOnlyAfterSustainedLowRate() {
	// GOAL: Verify a transient dip below threshold does not alert; a sustained one does
	//
	// TEST SCENARIO: Feed low rates over time → verify silence until the sustain window elapses, then exactly one alert
	st := &alertState{}

	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(0)))
	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(2*time.Second)))
	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(4*time.Second)))
	suite.Equal("alert", st.observe(10, 60, suite.cfg, suite.at(5*time.Second)))
	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(6*time.Second)), "one-shot: no repeat while still alerting")
}

func (suite *AlertStateTestSuite) TestRecoveryClearsAlert() {
	// GOAL: Verify returning to threshold produces a recovery notification and re-arms detection
	//
	// TEST SCENARIO: Alert → healthy rate → verify "recovered" → healthy again → verify silence
	st := &alertState{}
	st.observe(10, 60, suite.cfg, suite.at(0))
	suite.Equal("alert", st.observe(10, 60, suite.cfg, suite.at(5*time.Second)))

	suite.Equal("recovered", st.observe(55, 60, suite.cfg, suite.at(6*time.Second)))
	suite.Equal("", st.observe(55, 60, suite.cfg, suite.at(7*time.Second)))
}

func (suite *AlertStateTestSuite) TestCooldownSuppressesRepeatAlerts() {
	// GOAL: Verify a second sustained dip within the cooldown stays silent, and alerts again after it expires
	//
	// TEST SCENARIO: Alert → recover → dip again inside cooldown → verify silence → dip after cooldown → verify alert
	st := &alertState{}
	st.observe(10, 60, suite.cfg, suite.at(0))
	suite.Equal("alert", st.observe(10, 60, suite.cfg, suite.at(5*time.Second)))
	suite.Equal("recovered", st.observe(55, 60, suite.cfg, suite.at(6*time.Second)))

	// Second dip, sustained, but inside the 30s cooldown from t=5s.
	st.observe(10, 60, suite.cfg, suite.at(10*time.Second))
	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(16*time.Second)))
	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(20*time.Second)))

	// After the cooldown expires the pending dip may fire again.
	suite.Equal("alert", st.observe(10, 60, suite.cfg, suite.at(36*time.Second)))
}

func (suite *AlertStateTestSuite) TestHealthyRateNeverAlerts() {
	// GOAL: Verify rates at or above threshold keep the detector silent indefinitely
	//
	// TEST SCENARIO: Feed threshold-level rates over a long period → verify no output
	st := &alertState{}
	for i := 0; i < 20; i++ {
		suite.Equal("", st.observe(30, 60, suite.cfg, suite.at(time.Duration(i)*5*time.Second)))
	}
}

func (suite *AlertStateTestSuite) TestUnknownExpectedRateStaysSilent() {
	// GOAL: Verify an unknown expected rate disables alerting
	//
	// TEST SCENARIO: Observe zero measured rate with expected=0 → verify silence
	st := &alertState{}
	suite.Equal("", st.observe(0, 0, suite.cfg, suite.at(0)))
	suite.Equal("", st.observe(0, 0, suite.cfg, suite.at(time.Minute)))
}

func (suite *AlertStateTestSuite) TestResetRearmsDetection() {
	// GOAL: Verify reset clears the sustain window so a later dip must sustain again
	//
	// TEST SCENARIO: Dip → reset → dip again → verify the sustain clock restarted
	st := &alertState{}
	st.observe(10, 60, suite.cfg, suite.at(0))
	st.reset()

	suite.Equal("", st.observe(10, 60, suite.cfg, suite.at(5*time.Second)), "sustain must restart after reset")
	suite.Equal("alert", st.observe(10, 60, suite.cfg, suite.at(10*time.Second)))
}

func TestAlertStateTestSuite(t *testing.T) {
	suite.Run(t, new(AlertStateTestSuite))
}
