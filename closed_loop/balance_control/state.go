package control

// IMUSample is one reading of the inertial unit in degrees and deg/s.
// AngleY is pitch, GyroZ is the yaw rate.
type IMUSample struct {
	AngleX float64 `json:"angle_x"`
	AngleY float64 `json:"angle_y"`
	AngleZ float64 `json:"angle_z"`
	GyroX  float64 `json:"gyro_x"`
	GyroY  float64 `json:"gyro_y"`
	GyroZ  float64 `json:"gyro_z"`
}

// WheelState is per-wheel angular velocity (rad/s) and cumulative angle (rad).
type WheelState struct {
	Speed1 float64 `json:"speed1"`
	Speed2 float64 `json:"speed2"`
	Pos1   float64 `json:"pos1"`
	Pos2   float64 `json:"pos2"`
}

// MotionState is the bookkeeping of one control loop.
type MotionState struct {
	Now    float64 `json:"now"`
	Last   float64 `json:"last"`
	Target float64 `json:"tar"`
	Err    float64 `json:"err"`
	Duty   float64 `json:"duty"`
}

// Deadzone is the per-wheel, per-direction start duty found by calibration.
type Deadzone struct {
	LeftFwd  float64 `yaml:"left_fwd" json:"l_fwd"`
	LeftRev  float64 `yaml:"left_rev" json:"l_rev"`
	RightFwd float64 `yaml:"right_fwd" json:"r_fwd"`
	RightRev float64 `yaml:"right_rev" json:"r_rev"`
}

// MotorDuty holds the mixing stage and what the motor adapter applied.
type MotorDuty struct {
	BaseDuty  float64  `json:"base_duty"`
	YawDuty   float64  `json:"yaw_duty"`
	LeftDuty  float64  `json:"l_duty"`
	RightDuty float64  `json:"r_duty"`
	LeftCmd   float64  `json:"l_cmd"`
	RightCmd  float64  `json:"r_cmd"`
	Deadzone  Deadzone `json:"deadzone"`
}

// JoyState is a normalised stick sample: X steers, Y drives, A is auxiliary.
type JoyState struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	A     float64 `json:"a"`
	XCoef float64 `json:"x_coef"`
	YCoef float64 `json:"y_coef"`
}

type FallState struct {
	Fallen  bool `json:"is"`
	Count   int  `json:"count"`
	Enabled bool `json:"enable"`
}

// FormationInput is what the formation node hands the pipeline each tick.
type FormationInput struct {
	Enabled bool
	Linear  float64
	Yaw     float64
}

// Input is everything a tick consumes.
type Input struct {
	IMU       IMUSample
	Wheels    WheelState
	Formation FormationInput
}

// Output is everything a tick produces. Left and Right lie in [-1, 1].
type Output struct {
	Left       float64
	Right      float64
	Fallen     bool
	GroupDrive bool
}

// ControlState is a copy of the pipeline state for telemetry.
type ControlState struct {
	Run        bool        `json:"run"`
	GroupDrive bool        `json:"car_group_mode"`
	Manual     bool        `json:"car_group_manual"`
	PitchZero  float64     `json:"pitch_zero"`
	IMU        IMUSample   `json:"imu"`
	Wheels     WheelState  `json:"wel"`
	Balance    MotionState `json:"ang"`
	Velocity   MotionState `json:"spd"`
	Position   MotionState `json:"pos"`
	Yaw        MotionState `json:"yaw"`
	Motor      MotorDuty   `json:"motor"`
	Joy        JoyState    `json:"joy"`
	Fall       FallState   `json:"fallen"`
	Gains      GainSet     `json:"pid"`
}
