package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// Message is one report of a device, stored under its id
type Message struct {
	ID       uint64 `json:"id"`
	Sn       uint64 `json:"sn"`
	Time     uint64 `json:"time"`
	DeviceID uint32 `json:"deviceId"`
	Opened   bool   `json:"opened"`
	CodeType uint32 `json:"codeType"`
}

type MQTT struct{}

func (cc *MQTT) Init(stub shim.ChaincodeStubInterface) pb.Response {
	return shim.Success(nil)
}

func (cc *MQTT) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	function, args := stub.GetFunctionAndParameters()

	switch function {
	case "add":
		return cc.add(stub, args)
	case "query":
		return cc.query(stub, args)
	default:
		return shim.Error("Invalid function name.")
	}
}

// add stores a message: id, sn, time, deviceId, opened, codeType
func (cc *MQTT) add(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 6 {
		return shim.Error("Incorrect number of arguments. Expecting 6.")
	}

	msg, err := parseMessage(args)
	if err != nil {
		return shim.Error(err.Error())
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return shim.Error(err.Error())
	}

	if err := stub.PutState(strconv.FormatUint(msg.ID, 10), value); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(value)
}

func parseMessage(args []string) (*Message, error) {
	var (
		msg = &Message{}
		err error
		u   uint64
	)

	if msg.ID, err = strconv.ParseUint(args[0], 10, 64); err != nil {
		return nil, fmt.Errorf("bad id: %w", err)
	}
	if msg.Sn, err = strconv.ParseUint(args[1], 10, 64); err != nil {
		return nil, fmt.Errorf("bad sn: %w", err)
	}
	if msg.Time, err = strconv.ParseUint(args[2], 10, 64); err != nil {
		return nil, fmt.Errorf("bad time: %w", err)
	}
	if u, err = strconv.ParseUint(args[3], 10, 32); err != nil {
		return nil, fmt.Errorf("bad deviceId: %w", err)
	}
	msg.DeviceID = uint32(u)
	if msg.Opened, err = strconv.ParseBool(args[4]); err != nil {
		return nil, fmt.Errorf("bad opened: %w", err)
	}
	if u, err = strconv.ParseUint(args[5], 10, 32); err != nil {
		return nil, fmt.Errorf("bad codeType: %w", err)
	}
	msg.CodeType = uint32(u)

	return msg, nil
}

// query returns every version of the message with the given id, keyed by the
// transaction that wrote it
func (cc *MQTT) query(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 1 {
		return shim.Error("Incorrect number of arguments. Expecting id of the message to query.")
	}

	it, err := stub.GetHistoryForKey(args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	defer it.Close()

	history := map[string]Message{}
	for it.HasNext() {
		item, err := it.Next()
		if err != nil {
			return shim.Error(err.Error())
		}
		if item.IsDelete {
			continue
		}

		msg := Message{}
		if err := json.Unmarshal(item.Value, &msg); err != nil {
			return shim.Error(err.Error())
		}
		history[item.TxId] = msg
	}

	value, err := json.Marshal(history)
	if err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(value)
}

func main() {
	if err := shim.Start(new(MQTT)); err != nil {
		fmt.Printf("Error starting MQTT chaincode: %s", err)
	}
}
