package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lattesec/log"
)

// Operation runs one named call with the caller's raw argument string.
type Operation func(c *Client, args string, h Handler) error

// passThrough requests carry the caller's arguments verbatim, or nothing.
var passThrough = []string{
	"GET_OPERATING_MODE", "GET_MAP_LIST", "GET_LOG_LIST", "BUILD_MAPPING",
	"GET_VELOCITY", "GET_MCU2PC", "GET_RUN_TASK", "RELOCATION", "TRANSLATION",
	"ROTATION", "LIFTING", "REMOTE_CONTROL", "START_TASK", "SET_LOG_LEVEL",
	"CANCEL_TASK", "RESUME_TASK", "PAUSE_TASK", "GET_CLIENTS", "EMERGENCY_STOP",
	"GET_SYSINFO", "PALLET_ROTATION", "GET_CAMERA_VIDEO_LIST", "GET_ERRORS",
	"STOP_CHARGING", "SET_DO", "WAIT_DI", "CLEAR_ERRORS", "GET_PROCESSES_INFO",
	"CHECK_FD_KEEP_ALIVE", "GET_PLC_DIGITAL_IO", "GET_WIFI_LIST", "SET_WIFI_CONFIG",
	"GET_NETWORK_INTERFACE", "GET_EXECUTION_QUEUE", "ENABLE_ROBOT",
	"SET_COORDINATE_SYSTEM", "SET_TOOL", "JOG_SINGLE_AXIS", "ONE_CLICK_HOMING",
	"GET_TEACHIN_FILE_LIST", "PUSH_TEACHIN_POINTS", "GET_TEACHIN_POINTS",
	"GET_CHASSIS_INFO", "DELETE_TEACHIN_FILES", "GET_BROKER_CONNECTION",
	"SET_RCS_ONLINE", "SOFT_RESET", "GET_RACK_NUMBER", "LOCALIZATION_QUALITY",
}

// Operations is the callable surface used by the gateway and the cli.
// Pass-through requests are keyed by their lower-cased request name,
// streams by start_<stream> and stop_<stream>.
var Operations = map[string]Operation{
	"set_operating_mode": func(c *Client, args string, h Handler) error {
		mode, err := parseMode(args)
		if err != nil {
			return err
		}
		return c.SetOperatingMode(mode, h)
	},
	"reboot_or_poweroff": func(c *Client, args string, h Handler) error {
		return c.RebootOrPoweroff(args, h)
	},
	"set_datetime": func(c *Client, args string, h Handler) error {
		return c.SetDatetime(args, h)
	},
	"get_datetime": func(c *Client, _ string, h Handler) error {
		return c.GetDatetime(h)
	},
	"terminal_command": func(c *Client, args string, h Handler) error {
		return c.TerminalCommand(args, h)
	},
	"ota_upgrade": func(c *Client, args string, h Handler) error {
		return c.OTAUpgrade(args, h)
	},
	"upload_file": func(c *Client, args string, h Handler) error {
		return c.UploadFile(args, h)
	},
	"push_map": func(c *Client, args string, h Handler) error {
		return c.PushMap(args, h)
	},
	"pull_map": func(c *Client, args string, h Handler) error {
		return c.PullMap(args, h)
	},
	"get_log_file": func(c *Client, args string, h Handler) error {
		return c.GetLogFile(args, h)
	},
	"get_model_file": func(c *Client, args string, h Handler) error {
		return c.GetModelFile(args, h)
	},
	"get_teachin_file": func(c *Client, args string, h Handler) error {
		return c.GetTeachinFile(args, h)
	},
	"get_camera_video": func(c *Client, args string, h Handler) error {
		return c.GetCameraVideo(args, h)
	},
	"check_connectivity": func(c *Client, args string, h Handler) error {
		return c.CheckConnectivity(parseAddrs(args), h)
	},
	"camera_point_cloud_single": func(c *Client, args string, h Handler) error {
		return c.CameraPointCloudSingle(args, h)
	},
}

func init() {
	for _, name := range passThrough {
		name := name
		Operations[strings.ToLower(name)] = func(c *Client, args string, h Handler) error {
			return c.Forward(name, args, h)
		}
	}

	for _, s := range Streams {
		name := s.Name
		Operations["start_"+name] = func(c *Client, _ string, h Handler) error {
			return c.StartStream(name, h)
		}
		Operations["stop_"+name] = func(c *Client, _ string, _ Handler) error {
			return c.StopStream(name)
		}
	}

	for name := range onceRequests {
		name := name
		Operations[name+"_once"] = func(c *Client, _ string, h Handler) error {
			return c.FetchOnce(name, h)
		}
	}
}

// OperationNames lists Operations in sorted order.
func OperationNames() []string {
	names := make([]string, 0, len(Operations))
	for name := range Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs operation op.
func (c *Client) Call(op, args string, h Handler) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	fn, ok := Operations[op]
	if !ok {
		log.Error().
			WithMeta("scope", "client").
			Msgf("unknown operation %s", op).
			Send()
		return fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	return fn(c, args, h)
}

// Forward sends args as the payload of request name.
func (c *Client) Forward(name, args string, h Handler) error {
	return c.process(name, h, func() error {
		return c.SendRequest(name, []byte(args), "")
	})
}

func parseMode(args string) (int, error) {
	args = strings.TrimSpace(args)
	if mode, err := strconv.Atoi(args); err == nil {
		return mode, nil
	}

	var in struct {
		Mode *int `json:"mode"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil || in.Mode == nil {
		return 0, fmt.Errorf("%w: mode must be an integer", ErrInvalidArguments)
	}
	return *in.Mode, nil
}

func (c *Client) SetOperatingMode(mode int, h Handler) error {
	return c.process("SET_OPERATING_MODE", h, func() error {
		payload, _ := json.Marshal(map[string]int{"mode": mode})
		return c.SendRequest("SET_OPERATING_MODE", payload, "")
	})
}

// RebootOrPoweroff accepts {"command": "reboot"} or the bare command.
func (c *Client) RebootOrPoweroff(command string, h Handler) error {
	return c.process("REBOOT_OR_POWEROFF", h, func() error {
		cmd := command
		var in map[string]any
		if err := json.Unmarshal([]byte(command), &in); err == nil && in != nil {
			cmd, _ = in["command"].(string)
		}

		payload, _ := json.Marshal(map[string]string{"command": cmd})
		return c.SendRequest("REBOOT_OR_POWEROFF", payload, "")
	})
}

func (c *Client) SetDatetime(datetime string, h Handler) error {
	return c.process("SET_DATE_TIME", h, func() error {
		payload, _ := json.Marshal(map[string]string{"datetime": datetime})
		return c.SendRequest("SET_DATE_TIME", payload, "")
	})
}

const datetimeCommand = `{"command": "date +\"%Y-%m-%d %H:%M:%S\""}`

func (c *Client) GetDatetime(h Handler) error {
	return c.process("GET_DATE_TIME", h, func() error {
		return c.SendRequest("GET_DATE_TIME", []byte(datetimeCommand), "")
	})
}

// TerminalCommand runs a shell command on the robot. args is
//
//	{"command": "...", "tty": "<uuid>", "next_chunk": 2}
//
// A tty reuses that id so later chunks of the same session reach the same
// reply stream.
func (c *Client) TerminalCommand(args string, h Handler) error {
	return c.process("TERMINAL_COMMAND", h, func() error {
		var in map[string]json.RawMessage
		if err := json.Unmarshal([]byte(args), &in); err != nil || in == nil {
			log.Error().
				WithMeta("scope", "client").
				Msg("terminal command parameter format is invalid").
				Send()
			return fmt.Errorf("%w: expected an object", ErrInvalidArguments)
		}

		var tty string
		if raw, ok := in["tty"]; ok {
			if err := json.Unmarshal(raw, &tty); err != nil {
				return fmt.Errorf("%w: tty must be a string", ErrInvalidArguments)
			}
		}
		if raw, ok := in["next_chunk"]; ok {
			var n float64
			if err := json.Unmarshal(raw, &n); err != nil {
				return fmt.Errorf("%w: next_chunk must be a number", ErrInvalidArguments)
			}
		}

		return c.SendRequest("TERMINAL_COMMAND", []byte(args), tty)
	})
}

type otaArgs struct {
	Command *string `json:"command"`
	Version *string `json:"version"`
}

type otaReply struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

type otaProgress struct {
	Percentage int    `json:"percentage"`
	Msg        string `json:"msg"`
}

// OTAUpgrade starts ("upgrade", version required) or cancels
// ("disupgrade") a firmware upgrade. While an upgrade reports less than
// 100 percent its status is polled again after Config.OTAPollInterval.
func (c *Client) OTAUpgrade(args string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	var in otaArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if in.Command == nil {
		return fmt.Errorf("%w: command is required", ErrInvalidArguments)
	}
	command := *in.Command
	if command != "upgrade" && command != "disupgrade" {
		return fmt.Errorf("%w: unsupported command %q", ErrInvalidArguments, command)
	}
	var version string
	if in.Version != nil {
		version = *in.Version
	}
	if command == "upgrade" && version == "" {
		return fmt.Errorf("%w: version is empty", ErrInvalidArguments)
	}

	log.Info().
		WithMeta("scope", "ota").
		Msgf("command=%s version=%s", command, version).
		Send()

	progress := func(reply []byte) {
		if command == "disupgrade" {
			h(reply)
			return
		}

		var r otaReply
		if err := json.Unmarshal(reply, &r); err != nil {
			log.Warn().
				WithMeta("scope", "ota").
				Msgf("reply format is invalid: %v", err).
				Send()
			return
		}
		if r.Code != 0 {
			h(reply)
			return
		}

		var p otaProgress
		_ = json.Unmarshal(r.Data, &p)
		log.Info().
			WithMeta("scope", "ota").
			Msgf("percentage=%d msg=%s", p.Percentage, p.Msg).
			Send()

		h(reply)
		if p.Percentage < 100 {
			c.scheduleOTAPoll(version)
		}
	}

	return c.process("OTA_UPGRADE", progress, func() error {
		return c.SendRequest("OTA_UPGRADE", []byte(args), "")
	})
}

func (c *Client) scheduleOTAPoll(version string) {
	payload, _ := json.Marshal(map[string]string{"command": "status", "version": version})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.otaTimer != nil {
		c.otaTimer.Stop()
	}
	c.otaTimer = time.AfterFunc(c.cfg.OTAPollInterval, func() {
		if err := c.SendRequest("OTA_UPGRADE", payload, ""); err != nil {
			log.Warn().
				WithMeta("scope", "ota").
				Msgf("status poll failed: %v", err).
				Send()
		}
	})
}

func (c *Client) stopOTAPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.otaTimer != nil {
		c.otaTimer.Stop()
		c.otaTimer = nil
	}
}
