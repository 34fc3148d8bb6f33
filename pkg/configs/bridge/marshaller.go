package bridge

import (
	"fmt"
	"os"

	xe "github.com/opst/logbridge/pkg/errors"
	"gopkg.in/yaml.v3"
)

// load bridge config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *BridgeConfig, error:
//
//	When loading success, returns `(*BridgeConfig, nil)`.
//	Otherwise, returns `(nil, error)`.
func LoadBridgeConfig(filepath string) (*BridgeConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return Unmarshal(content)
}

// Unmarshal parses yaml and seals it.
//
// Misconfigurations are reported as error, not panic.
func Unmarshal(conf []byte) (out *BridgeConfig, err error) {
	var _out *BridgeConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	if _out == nil {
		return nil, xe.New("config is empty")
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			switch rr := r.(type) {
			case error:
				err = fmt.Errorf("misconfiguration: %w", rr)
			default:
				err = fmt.Errorf("misconfiguration: %v", rr)
			}
		}
	}()
	out = TrySeal[*BridgeConfig](_out)
	return out, nil
}
