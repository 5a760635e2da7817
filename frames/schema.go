package frames

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const protoPackage = "nearbyrtc.frames"

// schema holds the descriptors of signaling.proto, built once at init.
var schema struct {
	frame protoreflect.MessageDescriptor

	senderID      protoreflect.FieldDescriptor
	frameType     protoreflect.FieldDescriptor
	offer         protoreflect.FieldDescriptor
	answer        protoreflect.FieldDescriptor
	poke          protoreflect.FieldDescriptor
	iceCandidates protoreflect.FieldDescriptor

	peerIDID   protoreflect.FieldDescriptor
	offerSDP   protoreflect.FieldDescriptor
	answerSDP  protoreflect.FieldDescriptor
	candidates protoreflect.FieldDescriptor

	candidateSDP  protoreflect.FieldDescriptor
	candidateMid  protoreflect.FieldDescriptor
	candidateLine protoreflect.FieldDescriptor
}

func init() {
	fd, err := protodesc.NewFile(signalingProto(), nil)
	if err != nil {
		panic("frames: bad signaling schema: " + err.Error())
	}
	msgs := fd.Messages()
	fields := func(msg string) protoreflect.FieldDescriptors {
		return msgs.ByName(protoreflect.Name(msg)).Fields()
	}

	schema.frame = msgs.ByName("WebRtcSignalingFrame")
	f := schema.frame.Fields()
	schema.senderID = f.ByNumber(1)
	schema.frameType = f.ByNumber(2)
	schema.offer = f.ByNumber(3)
	schema.answer = f.ByNumber(4)
	schema.poke = f.ByNumber(5)
	schema.iceCandidates = f.ByNumber(6)

	schema.peerIDID = fields("PeerId").ByNumber(1)
	schema.offerSDP = fields("Offer").ByNumber(1)
	schema.answerSDP = fields("Answer").ByNumber(1)
	schema.candidates = fields("IceCandidates").ByNumber(1)

	c := fields("IceCandidate")
	schema.candidateSDP = c.ByNumber(1)
	schema.candidateMid = c.ByNumber(2)
	schema.candidateLine = c.ByNumber(3)
}

// signalingProto is the descriptor of
//
//	syntax = "proto2";
//	package nearbyrtc.frames;
//
//	enum FrameType {
//	  UNKNOWN_TYPE = 0;
//	  OFFER = 1;
//	  ANSWER = 2;
//	  READY_FOR_SIGNALING_POKE = 3;
//	  ICE_CANDIDATES = 4;
//	}
//	message PeerId { optional string id = 1; }
//	message Offer { optional string sdp = 1; }
//	message Answer { optional string sdp = 1; }
//	message ReadyForSignalingPoke {}
//	message IceCandidate {
//	  optional string sdp = 1;
//	  optional string sdp_mid = 2;
//	  optional int32 sdp_m_line_index = 3;
//	}
//	message IceCandidates { repeated IceCandidate candidates = 1; }
//	message WebRtcSignalingFrame {
//	  optional PeerId sender_id = 1;
//	  optional FrameType type = 2;
//	  optional Offer offer = 3;
//	  optional Answer answer = 4;
//	  optional ReadyForSignalingPoke ready_for_signaling_poke = 5;
//	  optional IceCandidates ice_candidates = 6;
//	}
func signalingProto() *descriptorpb.FileDescriptorProto {
	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	repeated := descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	i32 := descriptorpb.FieldDescriptorProto_TYPE_INT32
	msg := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	enum := descriptorpb.FieldDescriptorProto_TYPE_ENUM

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("nearbyrtc/signaling.proto"),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto2"),
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("FrameType"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				enumValue("UNKNOWN_TYPE", TypeUnknown),
				enumValue("OFFER", TypeOffer),
				enumValue("ANSWER", TypeAnswer),
				enumValue("READY_FOR_SIGNALING_POKE", TypeReadyForSignalingPoke),
				enumValue("ICE_CANDIDATES", TypeIceCandidates),
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			message("PeerId", field("id", 1, optional, str, "")),
			message("Offer", field("sdp", 1, optional, str, "")),
			message("Answer", field("sdp", 1, optional, str, "")),
			message("ReadyForSignalingPoke"),
			message("IceCandidate",
				field("sdp", 1, optional, str, ""),
				field("sdp_mid", 2, optional, str, ""),
				field("sdp_m_line_index", 3, optional, i32, ""),
			),
			message("IceCandidates", field("candidates", 1, repeated, msg, "IceCandidate")),
			message("WebRtcSignalingFrame",
				field("sender_id", 1, optional, msg, "PeerId"),
				field("type", 2, optional, enum, "FrameType"),
				field("offer", 3, optional, msg, "Offer"),
				field("answer", 4, optional, msg, "Answer"),
				field("ready_for_signaling_poke", 5, optional, msg, "ReadyForSignalingPoke"),
				field("ice_candidates", 6, optional, msg, "IceCandidates"),
			),
		},
	}
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func field(name string, num int32, label descriptorpb.FieldDescriptorProto_Label, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String("." + protoPackage + "." + typeName)
	}
	return f
}

func enumValue(name string, t Type) *descriptorpb.EnumValueDescriptorProto {
	return &descriptorpb.EnumValueDescriptorProto{Name: proto.String(name), Number: proto.Int32(int32(t))}
}
